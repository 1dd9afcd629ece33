package europepmc

import (
	"strconv"
	"strings"
)

// SearchResponse ist die Top-Level-Struktur der Europe PMC API-Antwort.
type SearchResponse struct {
	HitCount       int    `json:"hitCount"`
	NextCursorMark string `json:"nextCursorMark"`
	ResultList     struct {
		Result []Article `json:"result"`
	} `json:"resultList"`
}

// Article repräsentiert einen einzelnen Artikel in der API-Antwort.
type Article struct {
	ID           string `json:"id"`
	Source       string `json:"source"`
	PMID         string `json:"pmid"`
	PMCID        string `json:"pmcid"`
	DOI          string `json:"doi"`
	Title        string `json:"title"`
	AuthorString string `json:"authorString"`
	AuthorList   struct {
		Author []struct {
			FullName  string `json:"fullName"`
			FirstName string `json:"firstName"`
			LastName  string `json:"lastName"`
		} `json:"author"`
	} `json:"authorList"`
	JournalTitle string `json:"journalTitle"`
	JournalInfo  struct {
		Journal struct {
			Title string `json:"title"`
		} `json:"journal"`
	} `json:"journalInfo"`
	PubYear         string `json:"pubYear"`
	AbstractText    string `json:"abstractText"`
	License         string `json:"license"`
	CitedByCount    *int   `json:"citedByCount"`
	IsOpenAccess    string `json:"isOpenAccess"`
	FullTextURLList struct {
		FullTextURL []FullTextURL `json:"fullTextUrl"`
	} `json:"fullTextUrlList"`
}

// FullTextURL repräsentiert einen einzelnen Volltext-Link.
type FullTextURL struct {
	Availability     string `json:"availability"`
	AvailabilityCode string `json:"availabilityCode"`
	DocumentStyle    string `json:"documentStyle"`
	Site             string `json:"site"`
	URL              string `json:"url"`
}

// ReferencesResponse ist die Antwort von /{source}/{id}/references.
type ReferencesResponse struct {
	ReferenceList struct {
		Reference []Ref `json:"reference"`
	} `json:"referenceList"`
}

// CitationsResponse ist die Antwort von /{source}/{id}/citations.
type CitationsResponse struct {
	CitationList struct {
		Citation []Ref `json:"citation"`
	} `json:"citationList"`
}

// Ref ist ein Eintrag einer Referenz- oder Zitationsliste.
type Ref struct {
	ID     string `json:"id"`
	Source string `json:"source"`
	DOI    string `json:"doi"`
}

// articleSource leitet die Europe-PMC-Quelle aus der ID ab (MED, PMC, PPR).
func articleSource(id string) string {
	upper := strings.ToUpper(id)
	switch {
	case strings.HasPrefix(upper, "PMC"):
		return "PMC"
	case strings.HasPrefix(upper, "PPR"):
		return "PPR"
	default:
		return "MED"
	}
}

func parseYear(s string) *int {
	if len(s) < 4 {
		return nil
	}
	y, err := strconv.Atoi(s[:4])
	if err != nil || y <= 0 {
		return nil
	}
	return &y
}
