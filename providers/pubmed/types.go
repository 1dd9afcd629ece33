// Package pubmed enthält die Logik für die Interaktion mit der PubMed/PMC API.
package pubmed

import (
	"encoding/xml"
	"strconv"
	"strings"
)

// ESearchResponse repräsentiert die JSON-Antwort von ESearch für die ID-Suche.
type ESearchResponse struct {
	ESearchResult struct {
		Count  string   `json:"count"`
		IdList []string `json:"idlist"`
	} `json:"esearchresult"`
}

// ELinkResponse repräsentiert die JSON-Antwort von ELink.
type ELinkResponse struct {
	LinkSets []struct {
		LinkSetDBs []struct {
			LinkName string   `json:"linkname"`
			Links    []string `json:"links"`
		} `json:"linksetdbs"`
	} `json:"linksets"`
}

// OAResponse repräsentiert die XML-Antwort des PMC Open Access Interface.
type OAResponse struct {
	XMLName xml.Name   `xml:"OA"`
	Error   string     `xml:"error"`
	Records []OARecord `xml:"records>record"`
}

// OARecord repräsentiert einen einzelnen Record im OA-Feed.
type OARecord struct {
	ID      string   `xml:"id,attr"`
	License string   `xml:"license,attr"`
	Links   []OALink `xml:"link"`
}

// OALink repräsentiert einen Download-Link im OA-Record.
type OALink struct {
	Format string `xml:"format,attr"`
	Href   string `xml:"href,attr"`
}

// PubmedArticleSet repräsentiert das gesamte XML-Dokument von efetch.
type PubmedArticleSet struct {
	XMLName       xml.Name        `xml:"PubmedArticleSet"`
	PubmedArticle []PubmedArticle `xml:"PubmedArticle"`
}

// PubmedArticle repräsentiert einen einzelnen Artikel in der XML-Antwort.
type PubmedArticle struct {
	MedlineCitation struct {
		PMID    string `xml:"PMID"`
		Article struct {
			Title    string `xml:"ArticleTitle"`
			Abstract struct {
				Text []string `xml:"AbstractText"`
			} `xml:"Abstract"`
			Authors []struct {
				LastName string `xml:"LastName"`
				ForeName string `xml:"ForeName"`
				Initials string `xml:"Initials"`
			} `xml:"AuthorList>Author"`
			Journal struct {
				Title   string `xml:"Title"`
				PubDate struct {
					Year        string `xml:"Year"`
					MedlineDate string `xml:"MedlineDate"`
				} `xml:"JournalIssue>PubDate"`
			} `xml:"Journal"`
			ELocationID []struct {
				IDType  string `xml:"EIdType,attr"`
				ValidYN string `xml:"ValidYN,attr"`
				Value   string `xml:",chardata"`
			} `xml:"ELocationID"`
		} `xml:"Article"`
	} `xml:"MedlineCitation"`
	PubmedData struct {
		ArticleIDs []struct {
			IDType string `xml:"IdType,attr"`
			Value  string `xml:",chardata"`
		} `xml:"ArticleIdList>ArticleId"`
	} `xml:"PubmedData"`
}

// articleID gibt die ID vom Typ idType ("doi", "pmc") zurück.
func (a *PubmedArticle) articleID(idType string) string {
	for _, id := range a.PubmedData.ArticleIDs {
		if id.IDType == idType {
			return strings.TrimSpace(id.Value)
		}
	}
	return ""
}

func (a *PubmedArticle) year() *int {
	d := a.MedlineCitation.Article.Journal.PubDate
	s := d.Year
	if s == "" && len(d.MedlineDate) >= 4 {
		s = d.MedlineDate[:4]
	}
	y, err := strconv.Atoi(s)
	if err != nil || y <= 0 {
		return nil
	}
	return &y
}
