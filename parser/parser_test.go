package parser

import (
	"testing"

	"github.com/aluiziolira/go-ingest-books/models"
)

func TestValidateRecord(t *testing.T) {
	tests := []struct {
		name    string
		record  *models.ItemRecord
		wantErr bool
	}{
		{
			name: "valid record",
			record: &models.ItemRecord{
				Title:       "Test Book",
				Price:       "£10.00",
				DetailURL:   "http://example.com/book",
				Description: "A book.",
			},
			wantErr: false,
		},
		{
			name:    "nil record",
			record:  nil,
			wantErr: true,
		},
		{
			name: "missing detail url",
			record: &models.ItemRecord{
				Title: "Test Book",
				Price: "£10.00",
			},
			wantErr: true,
		},
		{
			name: "missing title",
			record: &models.ItemRecord{
				Price:     "£10.00",
				DetailURL: "http://example.com/book",
			},
			wantErr: true,
		},
		{
			name: "missing price",
			record: &models.ItemRecord{
				Title:     "Test Book",
				DetailURL: "http://example.com/book",
			},
			wantErr: true,
		},
		{
			name: "price without amount",
			record: &models.ItemRecord{
				Title:     "Test Book",
				Price:     "£",
				DetailURL: "http://example.com/book",
			},
			wantErr: true,
		},
		{
			name: "negative price",
			record: &models.ItemRecord{
				Title:     "Test Book",
				Price:     "-£3.00",
				DetailURL: "http://example.com/book",
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateRecord(tt.record)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateRecord() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestNormalizePrice(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "with currency symbol",
			input:    "£51.77",
			expected: "£51.77",
		},
		{
			name:     "mojibake currency",
			input:    "Â£51.77",
			expected: "£51.77",
		},
		{
			name:     "with whitespace",
			input:    "  £10.50  ",
			expected: "£10.50",
		},
		{
			name:     "already clean",
			input:    "25.99",
			expected: "25.99",
		},
		{
			name:     "inner spacing",
			input:    "£ 99.99",
			expected: "£99.99",
		},
		{
			name:     "empty string",
			input:    "",
			expected: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := NormalizePrice(tt.input)
			if result != tt.expected {
				t.Errorf("NormalizePrice(%q) = %q, want %q", tt.input, result, tt.expected)
			}
		})
	}
}

func TestParsePriceAmount(t *testing.T) {
	tests := []struct {
		input   string
		want    string
		wantErr bool
	}{
		{input: "£51.77", want: "51.77"},
		{input: "Â£10.00", want: "10"},
		{input: "$1,234.50", want: "1234.5"},
		{input: "£ 99.99 £", want: "99.99"},
		{input: "free", wantErr: true},
		{input: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParsePriceAmount(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParsePriceAmount(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if !tt.wantErr && got.String() != tt.want {
				t.Fatalf("ParsePriceAmount(%q) = %s, want %s", tt.input, got.String(), tt.want)
			}
		})
	}
}

func TestNormalizeText(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{name: "collapses whitespace", input: "  In stock\n\t(22 available)  ", expected: "In stock (22 available)"},
		{name: "non-breaking space mojibake", input: "TaxÂ included", expected: "Tax included"},
		{name: "composes accents", input: "Cafe\u0301", expected: "Caf\u00e9"},
		{name: "empty", input: "", expected: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NormalizeText(tt.input); got != tt.expected {
				t.Errorf("NormalizeText(%q) = %q, want %q", tt.input, got, tt.expected)
			}
		})
	}
}
