package scraper

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/jarcoal/httpmock"
)

type fakeFetcher struct {
	mu    sync.Mutex
	pages map[string]string
	errs  map[string]error
	calls map[string]int
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{
		pages: make(map[string]string),
		errs:  make(map[string]error),
		calls: make(map[string]int),
	}
}

func (f *fakeFetcher) Fetch(ctx context.Context, url, _ string) (*Page, error) {
	f.mu.Lock()
	f.calls[url]++
	body, ok := f.pages[url]
	err := f.errs[url]
	f.mu.Unlock()

	if ctx.Err() != nil {
		return nil, canceledError(ctx, url)
	}
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, HTTPStatusError{URL: url, StatusCode: http.StatusNotFound}
	}
	return &Page{URL: url, StatusCode: http.StatusOK, Body: []byte(body), Attempts: 1}, nil
}

func (f *fakeFetcher) totalCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	total := 0
	for _, n := range f.calls {
		total += n
	}
	return total
}

type card struct {
	title string
	price string
	href  string
}

func buildCatalogPage(cards []card, next string) string {
	var builder strings.Builder
	builder.WriteString("<html><body><section><ol class=\"row\">")
	for _, c := range cards {
		builder.WriteString("<li><article class=\"product_pod\">")
		fmt.Fprintf(&builder, "<h3><a href=\"%s\" title=\"%s\">%s</a></h3>", c.href, c.title, c.title)
		fmt.Fprintf(&builder, "<div class=\"product_price\"><p class=\"price_color\">%s</p></div>", c.price)
		builder.WriteString("</article></li>")
	}
	builder.WriteString("</ol>")
	if next != "" {
		fmt.Fprintf(&builder, "<ul class=\"pager\"><li class=\"next\"><a href=\"%s\">next</a></li></ul>", next)
	}
	builder.WriteString("</section></body></html>")
	return builder.String()
}

// numberedCards returns count cards linking to catalogue/book-N/index.html.
func numberedCards(first, count int) []card {
	cards := make([]card, 0, count)
	for id := first; id < first+count; id++ {
		cards = append(cards, card{
			title: fmt.Sprintf("Book %d", id),
			price: fmt.Sprintf("£%d.00", id),
			href:  fmt.Sprintf("catalogue/book-%d/index.html", id),
		})
	}
	return cards
}

func buildDetailPage(title string) string {
	return fmt.Sprintf(`<html><body><article class="product_page">
<div class="product_main"><h1>%s</h1></div>
<p>Description of %s.</p>
<table class="table table-striped">
<tr><th>UPC</th><td>upc-%s</td></tr>
<tr><th>Availability</th><td>In stock (5 available)</td></tr>
</table></article></body></html>`, title, title, strings.ReplaceAll(strings.ToLower(title), " ", "-"))
}

func htmlResponder(body string) httpmock.Responder {
	return func(*http.Request) (*http.Response, error) {
		resp := httpmock.NewStringResponse(http.StatusOK, body)
		resp.Header.Set("Content-Type", "text/html; charset=utf-8")
		return resp, nil
	}
}

// sequenceResponder answers with statuses in order, repeating the last one.
func sequenceResponder(body string, statuses ...int) httpmock.Responder {
	var (
		mu   sync.Mutex
		call int
	)
	return func(*http.Request) (*http.Response, error) {
		mu.Lock()
		status := statuses[min(call, len(statuses)-1)]
		call++
		mu.Unlock()
		resp := httpmock.NewStringResponse(status, body)
		resp.Header.Set("Content-Type", "text/html; charset=utf-8")
		return resp, nil
	}
}
