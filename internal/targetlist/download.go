package targetlist

import (
	"archive/zip"
	"bytes"
	"compress/gzip"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// DownloadedCSVProvider fetches a ranked-domain list shipped as a gzip or
// zip compressed CSV, in either "protocol://domain,rank" or "rank,domain"
// column order, and turns it into target lines. Only the domain column is
// kept; rank is used solely to decide whether a row is within MaxRank.
type DownloadedCSVProvider struct {
	URL        string
	MaxRank    int // 0 means unbounded
	HTTPClient *http.Client
}

func NewDownloadedCSVProvider(url string, maxRank int) *DownloadedCSVProvider {
	return &DownloadedCSVProvider{
		URL:        url,
		MaxRank:    maxRank,
		HTTPClient: &http.Client{Timeout: 60 * time.Second},
	}
}

func (p *DownloadedCSVProvider) Lines(ctx context.Context) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL, nil)
	if err != nil {
		return nil, err
	}

	resp, err := p.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download target list: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download target list: unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	csvBytes, err := decompress(p.URL, body)
	if err != nil {
		return nil, err
	}

	return parseRankedCSV(csvBytes, p.MaxRank)
}

func decompress(url string, body []byte) ([]byte, error) {
	switch {
	case strings.HasSuffix(url, ".gz"):
		gr, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("gzip: %w", err)
		}
		defer gr.Close()
		return io.ReadAll(gr)

	case strings.HasSuffix(url, ".zip"):
		zr, err := zip.NewReader(bytes.NewReader(body), int64(len(body)))
		if err != nil {
			return nil, fmt.Errorf("zip: %w", err)
		}
		if len(zr.File) == 0 {
			return nil, fmt.Errorf("zip archive is empty")
		}
		rc, err := zr.File[0].Open()
		if err != nil {
			return nil, err
		}
		defer rc.Close()
		return io.ReadAll(rc)

	default:
		return body, nil
	}
}

func parseRankedCSV(raw []byte, maxRank int) ([]string, error) {
	reader := csv.NewReader(bytes.NewReader(raw))
	reader.FieldsPerRecord = -1

	var out []string
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("parse ranked csv: %w", err)
		}
		if len(record) < 2 {
			continue
		}

		domain, rank, ok := splitRankedRecord(record)
		if !ok {
			continue
		}
		if maxRank > 0 && rank > maxRank {
			continue
		}
		out = append(out, domain)
	}
	return out, nil
}

// splitRankedRecord accepts either "rank,domain" or "protocol://domain,rank"
// column order and returns the bare domain plus its numeric rank.
func splitRankedRecord(record []string) (domain string, rank int, ok bool) {
	first, second := strings.TrimSpace(record[0]), strings.TrimSpace(record[1])

	if r, err := strconv.Atoi(first); err == nil {
		return stripProtocol(second), r, true
	}
	if r, err := strconv.Atoi(second); err == nil {
		return stripProtocol(first), r, true
	}
	return "", 0, false
}

func stripProtocol(domain string) string {
	if idx := strings.Index(domain, "://"); idx >= 0 {
		return domain[idx+3:]
	}
	return domain
}
