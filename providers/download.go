package providers

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"paper-graph/models"
	"paper-graph/throttle"
)

var (
	pdfMagic  = []byte("%PDF")
	gzipMagic = []byte{0x1f, 0x8b}
)

// DownloadPDF lädt eine Ressource herunter und liefert die PDF-Bytes. Erkannt
// werden direkte PDFs und Tar.gz-Archive (PMC OA) mit einer PDF darin.
// (nil, nil) heißt: heruntergeladen, aber keine PDF gefunden.
func DownloadPDF(ctx context.Context, client *http.Client, link string, logger *zap.Logger) ([]byte, error) {
	if link == "" {
		return nil, nil
	}
	resp, err := throttle.HTTPGet(ctx, client, link)
	if err != nil {
		return nil, err
	}
	lower := strings.ToLower(link)

	// Direkte PDF
	if strings.Contains(strings.ToLower(resp.ContentType), "pdf") || strings.HasSuffix(lower, ".pdf") || bytes.HasPrefix(resp.Body, pdfMagic) {
		if !bytes.HasPrefix(resp.Body, pdfMagic) {
			logger.Warn("Als PDF angekündigt, aber kein PDF-Inhalt.", zap.String("url", link))
			return nil, nil
		}
		logger.Debug("Direkte PDF erkannt.", zap.String("url", link))
		return resp.Body, nil
	}

	// Tar.gz-Archiv
	if strings.HasSuffix(lower, ".tar.gz") || strings.HasSuffix(lower, ".tgz") || bytes.HasPrefix(resp.Body, gzipMagic) {
		logger.Debug("Tar.gz-Archiv erkannt, starte Extraktion.", zap.String("url", link))
		return pdfFromTarGz(resp.Body, logger)
	}

	logger.Warn("Konnte Ressourcentyp nicht bestimmen oder keine PDF gefunden.",
		zap.String("url", link), zap.String("content_type", resp.ContentType))
	return nil, nil
}

func pdfFromTarGz(data []byte, logger *zap.Logger) ([]byte, error) {
	gz, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, throttle.MarkPermanent(err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			return nil, nil // Ende des Archivs, keine PDF
		}
		if err != nil {
			return nil, throttle.MarkPermanent(err)
		}
		if header.Typeflag == tar.TypeReg && strings.HasSuffix(strings.ToLower(header.Name), ".pdf") {
			logger.Info("PDF in Tar.gz gefunden", zap.String("filename", header.Name))
			pdfBytes, err := io.ReadAll(tr)
			if err != nil {
				return nil, throttle.MarkPermanent(err)
			}
			return pdfBytes, nil
		}
	}
}

// NormalizeURL stellt sicher, dass eine URL absolut und mit https ist.
func NormalizeURL(rawURL, host string) string {
	if rawURL == "" {
		return ""
	}
	if strings.HasPrefix(rawURL, "ftp://") {
		return strings.Replace(rawURL, "ftp://", "https://", 1)
	}
	if strings.HasPrefix(rawURL, "//") {
		return "https:" + rawURL
	}
	if strings.HasPrefix(rawURL, "/") && host != "" {
		return strings.TrimRight(host, "/") + rawURL
	}
	return rawURL
}

// LinkDownloader lädt den DownloadLink eines Papers, unabhängig vom Provider.
type LinkDownloader struct {
	Client *http.Client
	Logger *zap.Logger
}

// FetchArtifact implementiert ArtifactFetcher.
func (d *LinkDownloader) FetchArtifact(ctx context.Context, p *models.Paper) ([]byte, error) {
	return DownloadPDF(ctx, d.Client, p.DownloadLink, d.Logger)
}
