// Package crawl executes crawl jobs: fetching a source's listing pages,
// parsing them per source type and upserting discovered projects.
package crawl

import (
	"bytes"
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/bizmatch/pipeline/internal/pipeline"
)

// docExtensions mark attachment links worth capturing from a listing row.
var docExtensions = []string{".pdf", ".hwp", ".hwpx", ".docx", ".xlsx", ".zip"}

// ParsePage extracts listings from one fetched page according to the
// source's structural type. Script-rendered pages arrive here already
// rendered, so they are parsed with the same row heuristics.
func ParsePage(source pipeline.Source, body []byte) ([]pipeline.Listing, string, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, "", fmt.Errorf("parse html: %w", err)
	}

	base, err := url.Parse(source.URL)
	if err != nil {
		return nil, "", fmt.Errorf("parse source url: %w", err)
	}

	var listings []pipeline.Listing
	switch source.Type {
	case pipeline.SourceTypeTable:
		listings = parseTableRows(doc, base)
	case pipeline.SourceTypeList, pipeline.SourceTypeSPA:
		listings = parseListItems(doc, base)
		if len(listings) == 0 {
			// Some script-rendered portals still emit a table once hydrated.
			listings = parseTableRows(doc, base)
		}
	default:
		return nil, "", fmt.Errorf("unknown source type %q", source.Type)
	}

	return listings, nextPageURL(doc, base), nil
}

func parseTableRows(doc *goquery.Document, base *url.URL) []pipeline.Listing {
	var listings []pipeline.Listing
	doc.Find("table tbody tr").Each(func(_ int, row *goquery.Selection) {
		link := row.Find("a[href]").First()
		href, ok := link.Attr("href")
		if !ok {
			return
		}
		detailURL := resolveURL(base, href)
		if detailURL == "" {
			return
		}
		listing := pipeline.Listing{
			Title:     cleanText(link.Text()),
			DetailURL: detailURL,
		}
		cells := row.Find("td")
		listing.Agency = cellText(cells, "agency", 1)
		listing.Region = cellText(cells, "region", 2)
		listing.ApplyDeadline = cellText(cells, "deadline", 3)
		listing.Attachments = parseAttachmentLinks(row, base)
		if listing.Title != "" {
			listings = append(listings, listing)
		}
	})
	return listings
}

func parseListItems(doc *goquery.Document, base *url.URL) []pipeline.Listing {
	var listings []pipeline.Listing
	sel := doc.Find("ul.list li, ol.list li, .list-item, article")
	sel.Each(func(_ int, item *goquery.Selection) {
		link := item.Find("a[href]").First()
		href, ok := link.Attr("href")
		if !ok {
			return
		}
		detailURL := resolveURL(base, href)
		if detailURL == "" {
			return
		}
		listing := pipeline.Listing{
			Title:         cleanText(firstNonEmpty(link.Find(".title").Text(), link.Text())),
			Summary:       cleanText(item.Find(".summary, .desc, p").First().Text()),
			Agency:        cleanText(item.Find(".agency, .org").First().Text()),
			Category:      cleanText(item.Find(".category, .tag").First().Text()),
			ApplyDeadline: cleanText(item.Find(".deadline, .date, time").First().Text()),
			DetailURL:     detailURL,
			Attachments:   parseAttachmentLinks(item, base),
		}
		if listing.Title != "" {
			listings = append(listings, listing)
		}
	})
	return listings
}

func parseAttachmentLinks(sel *goquery.Selection, base *url.URL) []pipeline.ListingAttachment {
	var out []pipeline.ListingAttachment
	sel.Find("a[href]").Each(func(_ int, link *goquery.Selection) {
		href, ok := link.Attr("href")
		if !ok {
			return
		}
		lower := strings.ToLower(href)
		for _, ext := range docExtensions {
			if strings.HasSuffix(lower, ext) {
				fileURL := resolveURL(base, href)
				if fileURL == "" {
					return
				}
				name := cleanText(link.Text())
				if name == "" {
					name = fileURL[strings.LastIndex(fileURL, "/")+1:]
				}
				out = append(out, pipeline.ListingAttachment{
					FileName: name,
					FileURL:  fileURL,
				})
				return
			}
		}
	})
	return out
}

func nextPageURL(doc *goquery.Document, base *url.URL) string {
	link := doc.Find(`a[rel="next"], .pagination a.next, .paging a.next`).First()
	href, ok := link.Attr("href")
	if !ok || href == "" || href == "#" {
		return ""
	}
	return resolveURL(base, href)
}

func resolveURL(base *url.URL, href string) string {
	ref, err := url.Parse(strings.TrimSpace(href))
	if err != nil {
		return ""
	}
	resolved := base.ResolveReference(ref)
	if resolved.Scheme != "http" && resolved.Scheme != "https" {
		return ""
	}
	return resolved.String()
}

func cellText(cells *goquery.Selection, class string, index int) string {
	byClass := cells.Filter("." + class).First()
	if byClass.Length() > 0 {
		return cleanText(byClass.Text())
	}
	if index < cells.Length() {
		return cleanText(cells.Eq(index).Text())
	}
	return ""
}

func cleanText(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
