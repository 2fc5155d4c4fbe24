package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"entropy/internal/domain"
)

// Directory is the relay's prekey bundle directory.
type Directory struct {
	Base string
	HTTP *http.Client
}

var _ domain.PreKeyDirectory = (*Directory)(nil)

// NewDirectory returns a Directory for the relay at base.
func NewDirectory(base string) *Directory {
	return &Directory{Base: strings.TrimRight(base, "/"), HTTP: http.DefaultClient}
}

// HTTPBase maps a ws:// or wss:// relay URL to the directory's http(s) base.
func HTTPBase(relayURL string) (string, error) {
	u, err := url.Parse(relayURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	case "http", "https":
	default:
		return "", fmt.Errorf("relay url %q: unsupported scheme", relayURL)
	}
	u.Path, u.RawQuery, u.Fragment = "", "", ""
	return u.String(), nil
}

func (d *Directory) RegisterPreKeyBundle(ctx context.Context, b domain.PreKeyBundle) error {
	return d.post(ctx, "/register", b, nil)
}

func (d *Directory) FetchPreKeyBundle(ctx context.Context, peer domain.PeerID) (domain.PreKeyBundle, error) {
	var out domain.PreKeyBundle
	if err := d.getJSON(ctx, "/prekey/"+url.PathEscape(peer.Routing().String()), &out); err != nil {
		return domain.PreKeyBundle{}, err
	}
	return out, nil
}

func (d *Directory) post(ctx context.Context, path string, in any, out any) error {
	buf := new(bytes.Buffer)
	if err := json.NewEncoder(buf).Encode(in); err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.Base+path, buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := d.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("relay post %s: %s", path, resp.Status)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (d *Directory) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.Base+path, nil)
	if err != nil {
		return err
	}
	resp, err := d.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("relay get %s: %s", path, resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
