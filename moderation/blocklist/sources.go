package blocklist

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/fedimod/warden/util"

	"github.com/carlmjohnson/versioninfo"
)

// SourceFormat describes how a remote list is parsed.
type SourceFormat string

const (
	// "0.0.0.0 domain.com" per line
	FormatHosts = SourceFormat("hosts")
	// "*.domain.com" or "domain.com" per line
	FormatDomains = SourceFormat("domains")
)

// Source is one remote blocklist feed.
type Source struct {
	Name     string
	URL      string
	Format   SourceFormat
	Tier     Tier
	Category string
}

// DefaultSources are the independent feeds merged on every refresh. Multiple
// porn feeds are deliberate redundancy; any one of them failing must not
// brick the refresh.
func DefaultSources() []Source {
	return []Source{
		{
			Name:     "stevenblack-porn",
			URL:      "https://raw.githubusercontent.com/StevenBlack/hosts/master/alternates/porn-only/hosts",
			Format:   FormatHosts,
			Tier:     TierHard,
			Category: "porn",
		},
		{
			Name:     "sinfonietta-porn",
			URL:      "https://raw.githubusercontent.com/Sinfonietta/hostfiles/master/pornography-hosts",
			Format:   FormatHosts,
			Tier:     TierHard,
			Category: "porn",
		},
		{
			Name:     "oisd-nsfw",
			URL:      "https://nsfw.oisd.nl/domainswild",
			Format:   FormatDomains,
			Tier:     TierHard,
			Category: "porn",
		},
		{
			Name:     "sinfonietta-gambling",
			URL:      "https://raw.githubusercontent.com/Sinfonietta/hostfiles/master/gambling-hosts",
			Format:   FormatHosts,
			Tier:     TierSoft,
			Category: "gambling",
		},
	}
}

// Fetcher downloads and parses one source list.
type Fetcher struct {
	Client *http.Client
	Logger *slog.Logger
}

func NewFetcher(logger *slog.Logger) *Fetcher {
	if logger == nil {
		logger = slog.Default().With("system", "blocklist")
	}
	// feed URLs are admin-configurable, so refuse internal addresses
	client := util.PublicOnlyRobustHTTPClient()
	return &Fetcher{
		Client: client,
		Logger: logger,
	}
}

func (f *Fetcher) Fetch(ctx context.Context, src Source) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", src.URL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", "warden/"+versioninfo.Short())

	res, err := f.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching %s: %w", src.Name, err)
	}
	defer res.Body.Close()

	if res.StatusCode != 200 {
		return nil, fmt.Errorf("fetching %s: statusCode=%d", src.Name, res.StatusCode)
	}

	switch src.Format {
	case FormatHosts:
		return parseHostsFormat(res.Body)
	case FormatDomains:
		return parseDomainsFormat(res.Body)
	default:
		return nil, fmt.Errorf("unknown source format: %s", src.Format)
	}
}

// parseHostsFormat reads "0.0.0.0 domain.com" (or 127.0.0.1) lines.
func parseHostsFormat(r io.Reader) ([]string, error) {
	var out []string
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.Fields(line)
		if len(parts) < 2 {
			continue
		}
		domain := NormalizeDomain(parts[1])
		if domain == "" || domain == "localhost" || strings.HasPrefix(domain, "local") {
			continue
		}
		out = append(out, domain)
	}
	return out, scanner.Err()
}

// parseDomainsFormat reads one domain per line, stripping "*." wildcards.
func parseDomainsFormat(r io.Reader) ([]string, error) {
	var out []string
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "*.")
		domain := NormalizeDomain(line)
		if domain == "" {
			continue
		}
		out = append(out, domain)
	}
	return out, scanner.Err()
}
