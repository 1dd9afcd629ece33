// Package openalex enthält die Logik für die Interaktion mit der OpenAlex API.
package openalex

import (
	"sort"
	"strings"
)

// ListResponse ist die Antwort von /works mit Cursor-Paginierung.
type ListResponse struct {
	Meta struct {
		Count      int     `json:"count"`
		NextCursor *string `json:"next_cursor"`
	} `json:"meta"`
	Results []Work `json:"results"`
}

// Work repräsentiert eine einzelne Arbeit in der API-Antwort.
type Work struct {
	ID              string `json:"id"`
	DOI             string `json:"doi"`
	Title           string `json:"title"`
	DisplayName     string `json:"display_name"`
	PublicationYear int    `json:"publication_year"`
	CitedByCount    *int   `json:"cited_by_count"`
	Authorships     []struct {
		Author struct {
			DisplayName string `json:"display_name"`
		} `json:"author"`
	} `json:"authorships"`
	AbstractInvertedIndex map[string][]int `json:"abstract_inverted_index"`
	PrimaryLocation       *Location        `json:"primary_location"`
	BestOALocation        *Location        `json:"best_oa_location"`
	OpenAccess            struct {
		IsOA  bool   `json:"is_oa"`
		OAURL string `json:"oa_url"`
	} `json:"open_access"`
	ReferencedWorks []string `json:"referenced_works"`
}

// Location ist ein Fundort (Journal, Repository) einer Arbeit.
type Location struct {
	License string `json:"license"`
	PDFURL  string `json:"pdf_url"`
	Source  *struct {
		DisplayName string `json:"display_name"`
	} `json:"source"`
}

// shortID macht aus "https://openalex.org/W123" ein "W123".
func shortID(id string) string {
	if i := strings.LastIndex(id, "/"); i >= 0 {
		return id[i+1:]
	}
	return id
}

// abstractText setzt den invertierten Index wieder zu Fließtext zusammen.
func abstractText(idx map[string][]int) string {
	if len(idx) == 0 {
		return ""
	}
	type pos struct {
		at   int
		word string
	}
	var words []pos
	for w, positions := range idx {
		for _, p := range positions {
			words = append(words, pos{p, w})
		}
	}
	sort.Slice(words, func(i, j int) bool { return words[i].at < words[j].at })
	out := make([]string, len(words))
	for i, w := range words {
		out[i] = w.word
	}
	return strings.Join(out, " ")
}
