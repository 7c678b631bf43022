// Package eurostat lists the Eurostat dissemination catalogue and caches
// dataset downloads as compressed TSV.
package eurostat

import (
	"context"
	"encoding/xml"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/ohdsi/load-euctr/internal/fetcher"
)

// NavTreeNS is the namespace of the catalogue table of contents.
const NavTreeNS = "urn:eu.europa.ec.eurostat.navtree"

// Dataset is one catalogue entry.
type Dataset struct {
	Code  string `json:"code" yaml:"code"`
	Title string `json:"title" yaml:"title"`
	URL   string `json:"url" yaml:"url"`
}

type leaf struct {
	Code   string  `xml:"urn:eu.europa.ec.eurostat.navtree code"`
	Titles []title `xml:"urn:eu.europa.ec.eurostat.navtree title"`
}

type title struct {
	Language string `xml:"language,attr"`
	Text     string `xml:",chardata"`
}

func (l leaf) englishTitle() (string, bool) {
	for _, t := range l.Titles {
		if t.Language == "en" {
			return strings.TrimSpace(t.Text), true
		}
	}
	return "", false
}

// Catalog reads the table of contents and downloads datasets into a cache
// directory.
type Catalog struct {
	dl       fetcher.Downloader
	baseURL  string
	tocURL   string
	cacheDir string
}

// NewCatalog creates a Catalog.
func NewCatalog(dl fetcher.Downloader, baseURL, tocURL, cacheDir string) *Catalog {
	return &Catalog{
		dl:       dl,
		baseURL:  strings.TrimRight(baseURL, "/"),
		tocURL:   tocURL,
		cacheDir: cacheDir,
	}
}

// DownloadURL returns the compressed TSV URL of a dataset.
func (c *Catalog) DownloadURL(code string) string {
	return c.baseURL + "/sdmx/2.1/data/" + url.PathEscape(code) + "?format=TSV&compressed=true"
}

// List returns every dataset leaf that has a code and an English title.
func (c *Catalog) List(ctx context.Context) ([]Dataset, error) {
	body, err := c.dl.Download(ctx, c.tocURL)
	if err != nil {
		return nil, eris.Wrap(err, "eurostat: fetch toc")
	}
	defer body.Close() //nolint:errcheck

	leaves, errs := fetcher.StreamXML[leaf](ctx, body, xml.Name{Space: NavTreeNS, Local: "leaf"})

	var out []Dataset
	for l := range leaves {
		code := strings.TrimSpace(l.Code)
		t, ok := l.englishTitle()
		if code == "" || !ok {
			continue
		}
		out = append(out, Dataset{Code: code, Title: t, URL: c.DownloadURL(code)})
	}
	for err := range errs {
		if err != nil {
			return nil, eris.Wrap(err, "eurostat: parse toc")
		}
	}

	zap.L().Debug("eurostat toc parsed", zap.Int("datasets", len(out)))
	return out, nil
}

// Find returns the catalogue entry for code.
func (c *Catalog) Find(ctx context.Context, code string) (*Dataset, error) {
	datasets, err := c.List(ctx)
	if err != nil {
		return nil, err
	}
	for i := range datasets {
		if datasets[i].Code == code {
			return &datasets[i], nil
		}
	}
	return nil, eris.Errorf("eurostat: dataset %q not found in toc", code)
}

// Download stores the dataset as <cache dir>/<code>.tsv.gz and returns the
// path. A failed download leaves no file behind.
func (c *Catalog) Download(ctx context.Context, code string) (string, error) {
	ds, err := c.Find(ctx, code)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(c.cacheDir, 0o755); err != nil {
		return "", eris.Wrapf(err, "eurostat: create cache dir %s", c.cacheDir)
	}

	path := filepath.Join(c.cacheDir, ds.Code+".tsv.gz")
	log := zap.L().With(zap.String("component", "eurostat"), zap.String("dataset", ds.Code))
	log.Info("downloading dataset", zap.String("url", ds.URL), zap.String("path", path))

	n, err := c.dl.DownloadToFile(ctx, ds.URL, path)
	if err != nil {
		return "", eris.Wrapf(err, "eurostat: download %s", ds.Code)
	}
	log.Info("download complete", zap.Int64("bytes", n))
	return path, nil
}
