package parser

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/aluiziolira/go-ingest-books/models"
	"github.com/shopspring/decimal"
)

// ValidateRecord ensures a record carries the fields storage depends on.
func ValidateRecord(r *models.ItemRecord) error {
	if r == nil {
		return fmt.Errorf("record is nil")
	}
	if strings.TrimSpace(r.DetailURL) == "" {
		return fmt.Errorf("record missing detail url")
	}
	if strings.TrimSpace(r.Title) == "" {
		return fmt.Errorf("record missing title for %s", r.DetailURL)
	}
	if strings.TrimSpace(r.Price) == "" {
		return fmt.Errorf("record missing price for %s", r.DetailURL)
	}
	amount, err := ParsePriceAmount(r.Price)
	if err != nil {
		return fmt.Errorf("record price for %s: %w", r.DetailURL, err)
	}
	if amount.IsNegative() {
		return fmt.Errorf("record price for %s is negative", r.DetailURL)
	}
	return nil
}

// NormalizePrice keeps the currency symbol but repairs mojibake and spacing.
func NormalizePrice(price string) string {
	price = NormalizeText(price)
	return strings.ReplaceAll(price, " ", "")
}

// ParsePriceAmount extracts the numeric amount from a currency-formatted price.
func ParsePriceAmount(price string) (decimal.Decimal, error) {
	trimmed := strings.TrimFunc(NormalizePrice(price), func(r rune) bool {
		return !unicode.IsDigit(r) && r != '.' && r != '-'
	})
	trimmed = strings.ReplaceAll(trimmed, ",", "")
	if trimmed == "" {
		return decimal.Decimal{}, fmt.Errorf("no amount in price %q", price)
	}
	amount, err := decimal.NewFromString(trimmed)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("parse price %q: %w", price, err)
	}
	return amount, nil
}
