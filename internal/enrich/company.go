// Package enrich discovers decision makers at companies. For each company a
// handful of web searches are run and the condensed results are handed to a
// chat-completions model that extracts the contacts as JSON.
package enrich

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/hugo-lorenzo-mato/opsgate/internal/batch"
	"github.com/hugo-lorenzo-mato/opsgate/internal/core"
)

// Input column names.
const (
	ColumnDomain      = "Domain"
	ColumnCompanyName = "Company Name"
)

// Company is one input row.
type Company struct {
	Domain string `json:"domain"`
	Name   string `json:"company_name"`
}

// Contact is one extracted person or generic mailbox.
type Contact struct {
	FirstName    string `json:"first_name"`
	LastName     string `json:"last_name"`
	Title        string `json:"title"`
	LinkedInURL  string `json:"linkedin_url"`
	GenericEmail string `json:"generic_email"`
	SourceURL    string `json:"source_url"`
	CompanyPhone string `json:"company_phone"`
	Domain       string `json:"domain"`
	CompanyName  string `json:"company_name"`
}

// OutputColumns is the header of the contacts CSV.
var OutputColumns = []string{
	"first_name", "last_name", "title", "linkedin_url", "generic_email",
	"source_url", "company_phone", "domain", "company_name",
}

func (c Contact) row() []string {
	return []string{
		c.FirstName, c.LastName, c.Title, c.LinkedInURL, c.GenericEmail,
		c.SourceURL, c.CompanyPhone, c.Domain, c.CompanyName,
	}
}

// ReadCompanies parses a CSV with Domain and Company Name columns. Other
// columns are ignored, as are rows without a domain.
func ReadCompanies(r io.Reader) ([]Company, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, core.ErrValidation(core.CodeInvalidRequest, "input file is empty")
	}
	if err != nil {
		return nil, fmt.Errorf("reading header: %w", err)
	}
	domainCol, nameCol := -1, -1
	for i, h := range header {
		switch strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")) {
		case ColumnDomain:
			domainCol = i
		case ColumnCompanyName:
			nameCol = i
		}
	}
	if domainCol < 0 || nameCol < 0 {
		return nil, core.ErrValidation(core.CodeInvalidRequest,
			fmt.Sprintf("input must contain %q and %q columns", ColumnDomain, ColumnCompanyName))
	}

	var companies []Company
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading companies: %w", err)
		}
		if domainCol >= len(rec) {
			continue
		}
		c := Company{Domain: strings.TrimSpace(rec[domainCol])}
		if nameCol < len(rec) {
			c.Name = strings.TrimSpace(rec[nameCol])
		}
		if c.Domain == "" {
			continue
		}
		companies = append(companies, c)
	}
	return companies, nil
}

// WriteContacts writes contacts as CSV with OutputColumns as header.
func WriteContacts(w io.Writer, contacts []Contact) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(OutputColumns); err != nil {
		return err
	}
	for _, c := range contacts {
		if err := cw.Write(c.row()); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// Items turns companies into batch items keyed by domain.
func Items(companies []Company) []batch.Item {
	items := make([]batch.Item, len(companies))
	for i, c := range companies {
		items[i] = batch.Item{ID: c.Domain, Value: c}
	}
	return items
}

var rejectedLinkedInPaths = []string{
	"linkedin.com/company/",
	"linkedin.com/posts/",
	"linkedin.com/pub/dir/",
	"linkedin.com/feed/",
	"linkedin.com/jobs/",
	"linkedin.com/school/",
}

// ValidLinkedInURL returns url when it points at a personal profile and ""
// otherwise.
func ValidLinkedInURL(url string) string {
	url = strings.TrimSpace(url)
	if !strings.Contains(url, "linkedin.com/in/") {
		return ""
	}
	for _, p := range rejectedLinkedInPaths {
		if strings.Contains(url, p) {
			return ""
		}
	}
	return url
}
