package nexus

// Repository is a named collection of components on the server.
//
// Only Name is required; the remaining fields are informational.
type Repository struct {
	Name   string `json:"name"`
	Format string `json:"format,omitempty"`
	Type   string `json:"type,omitempty"`
	URL    string `json:"url,omitempty"`
}

// Component is a logical artifact version grouping one or more assets.
type Component struct {
	ID         string  `json:"id,omitempty"`
	Repository string  `json:"repository,omitempty"`
	Format     string  `json:"format,omitempty"`
	Group      string  `json:"group,omitempty"`
	Name       string  `json:"name,omitempty"`
	Version    string  `json:"version,omitempty"`
	Assets     []Asset `json:"assets"`
}

// Asset is one downloadable file belonging to a component.
type Asset struct {
	DownloadURL string `json:"downloadUrl"`
	Path        string `json:"path"`

	// FileSize is nil when the server does not declare a size.
	FileSize *int64 `json:"fileSize,omitempty"`
}

// Size returns the declared size of the asset and whether one was declared.
func (a Asset) Size() (int64, bool) {
	if a.FileSize == nil {
		return 0, false
	}
	return *a.FileSize, true
}

// Page is one page of a paginated component listing.
type Page struct {
	Items             []Component `json:"items"`
	ContinuationToken *string     `json:"continuationToken"`
}

// Next returns the continuation token for the following page.
// The second value is false when this page terminates the listing.
func (p *Page) Next() (string, bool) {
	if p == nil || p.ContinuationToken == nil || *p.ContinuationToken == "" {
		return "", false
	}
	return *p.ContinuationToken, true
}

// Assets flattens the assets of every component on the page.
func (p *Page) Assets() []Asset {
	if p == nil {
		return nil
	}
	var assets []Asset
	for _, item := range p.Items {
		assets = append(assets, item.Assets...)
	}
	return assets
}
