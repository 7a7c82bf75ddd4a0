package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
)

// Format is one entry of the remote format catalog.
type Format struct {
	Extension string `json:"extension"`
	Name      string `json:"name,omitempty"`
}

// Formats returns the supported formats grouped by category.
func (c *Client) Formats(ctx context.Context) (map[string][]Format, error) {
	var out struct {
		Formats map[string][]Format `json:"formats"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/formats", nil, &out, true); err != nil {
		return nil, err
	}
	return out.Formats, nil
}

// conversionTarget tolerates both wire shapes of a conversion entry: a bare
// extension string or an object carrying one.
type conversionTarget string

func (t *conversionTarget) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*t = conversionTarget(s)
		return nil
	}

	var obj struct {
		TargetFormat string `json:"target_format"`
		Extension    string `json:"extension"`
		Format       string `json:"format"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	switch {
	case obj.TargetFormat != "":
		*t = conversionTarget(obj.TargetFormat)
	case obj.Extension != "":
		*t = conversionTarget(obj.Extension)
	default:
		*t = conversionTarget(obj.Format)
	}
	return nil
}

// Conversions returns the target formats reachable from the given source
// format.
func (c *Client) Conversions(ctx context.Context, from string) ([]string, error) {
	var out struct {
		AvailableConversions []conversionTarget `json:"available_conversions"`
	}
	path := "/formats/" + url.PathEscape(strings.ToLower(from)) + "/conversions"
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &out, true); err != nil {
		return nil, err
	}

	targets := make([]string, 0, len(out.AvailableConversions))
	for _, t := range out.AvailableConversions {
		if t != "" {
			targets = append(targets, string(t))
		}
	}
	return targets, nil
}

// CanConvert reports whether the service supports the from → to conversion.
func (c *Client) CanConvert(ctx context.Context, from, to string) (bool, error) {
	targets, err := c.Conversions(ctx, from)
	if err != nil {
		return false, err
	}
	for _, t := range targets {
		if strings.EqualFold(t, to) {
			return true, nil
		}
	}
	return false, nil
}
