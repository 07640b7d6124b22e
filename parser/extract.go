package parser

import (
	"bytes"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/aluiziolira/go-ingest-books/models"
	"github.com/gocolly/colly/v2"
	"golang.org/x/text/unicode/norm"
)

const (
	catalogCardSelector = "article.product_pod"
	titleLinkSelector   = "h3 a"
	priceSelector       = "p.price_color"
	nextPageSelector    = "li.next a"
	descriptionSelector = "article.product_page > p"
	attributesSelector  = "table.table-striped"
)

// ExtractionError reports a required node missing from a page.
type ExtractionError struct {
	Field   string
	PageURL string
	Card    int // 1-based card position on catalog pages, 0 for detail pages
}

func (e *ExtractionError) Error() string {
	if e.Card > 0 {
		return fmt.Sprintf("extraction: missing %s in card %d of %s", e.Field, e.Card, e.PageURL)
	}
	return fmt.Sprintf("extraction: missing %s on %s", e.Field, e.PageURL)
}

// Detail holds the fields scraped from an item's detail page.
type Detail struct {
	Description string
	Attributes  map[string]string
}

// ExtractCatalog returns the item stubs of a catalog page in document order,
// plus the resolved next-page link when present. Cards missing a required
// field are skipped and reported through the joined error; the returned page
// is never nil when the document parses.
func ExtractCatalog(pageURL string, body []byte) (*models.CatalogPage, error) {
	base, err := url.Parse(pageURL)
	if err != nil {
		return nil, fmt.Errorf("parse page url: %w", err)
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse catalog html: %w", err)
	}

	resp := &colly.Response{Request: &colly.Request{URL: base}}
	page := &models.CatalogPage{URL: pageURL}
	var errs []error

	doc.Find(catalogCardSelector).Each(func(i int, s *goquery.Selection) {
		e := colly.NewHTMLElementFromSelectionNode(resp, s, s.Nodes[0], i)
		stub, err := extractStub(e, pageURL, i+1)
		if err != nil {
			page.Malformed++
			errs = append(errs, err)
			return
		}
		page.Items = append(page.Items, stub)
	})

	if href, ok := doc.Find(nextPageSelector).First().Attr("href"); ok && strings.TrimSpace(href) != "" {
		page.NextURL = resp.Request.AbsoluteURL(strings.TrimSpace(href))
	}

	return page, errors.Join(errs...)
}

func extractStub(e *colly.HTMLElement, pageURL string, card int) (models.ItemStub, error) {
	title := NormalizeText(e.ChildAttr(titleLinkSelector, "title"))
	if title == "" {
		title = NormalizeText(e.ChildText(titleLinkSelector))
	}
	if title == "" {
		return models.ItemStub{}, &ExtractionError{Field: "title", PageURL: pageURL, Card: card}
	}

	price := NormalizePrice(e.ChildText(priceSelector))
	if price == "" {
		return models.ItemStub{}, &ExtractionError{Field: "price", PageURL: pageURL, Card: card}
	}

	href := e.ChildAttr(titleLinkSelector, "href")
	detailURL := ""
	if href != "" {
		detailURL = e.Request.AbsoluteURL(href)
	}
	if detailURL == "" {
		return models.ItemStub{}, &ExtractionError{Field: "href", PageURL: pageURL, Card: card}
	}

	return models.ItemStub{Title: title, Price: price, DetailURL: detailURL}, nil
}

// ExtractDetail reads the description paragraph and the attribute table of a
// detail page. The description is required; the table is optional.
func ExtractDetail(pageURL string, body []byte) (*Detail, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse detail html: %w", err)
	}

	desc := doc.Find(descriptionSelector).First()
	if desc.Length() == 0 {
		return nil, &ExtractionError{Field: "description", PageURL: pageURL}
	}

	detail := &Detail{
		Description: NormalizeText(desc.Text()),
		Attributes:  make(map[string]string),
	}

	doc.Find(attributesSelector).First().Find("tr").Each(func(_ int, row *goquery.Selection) {
		th := row.Find("th").First()
		td := row.Find("td").First()
		if th.Length() == 0 || td.Length() == 0 {
			return
		}
		label := NormalizeText(th.Text())
		if label == "" {
			return
		}
		if _, seen := detail.Attributes[label]; seen {
			return
		}
		detail.Attributes[label] = NormalizeText(td.Text())
	})

	return detail, nil
}

var mojibake = strings.NewReplacer("Â£", "£", "Â\u00a0", " ")

// NormalizeText collapses whitespace, repairs latin-1 mojibake and applies
// Unicode NFC to a single text node.
func NormalizeText(text string) string {
	text = mojibake.Replace(text)
	text = strings.Join(strings.Fields(text), " ")
	return norm.NFC.String(text)
}
