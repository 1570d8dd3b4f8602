package mirror

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/cockroachdb/errors"

	"github.com/mirrorctl/nexusctl/internal/nexus"
)

// componentLister fetches one page of the component listing of a repository.
type componentLister interface {
	Components(ctx context.Context, repository, token string) (*nexus.Page, error)
}

// PartialFailure reports that a component listing ended early.
// Components beyond the failed page are not seen during this run.
type PartialFailure struct {
	Repository string
	Token      string
	Err        error
}

func (p *PartialFailure) Error() string {
	if p.Token == "" {
		return fmt.Sprintf("component listing of %s truncated at first page: %v", p.Repository, p.Err)
	}
	return fmt.Sprintf("component listing of %s truncated at token %q: %v", p.Repository, p.Token, p.Err)
}

func (p *PartialFailure) Unwrap() error { return p.Err }

// PageResult is either a page of components or a PartialFailure with an
// empty page that terminates the listing.
type PageResult struct {
	Page    nexus.Page
	Partial *PartialFailure
}

// Catalog pages through the components of one repository.
type Catalog struct {
	client componentLister
	repo   string
}

// NewCatalog creates a Catalog for repo.
func NewCatalog(client componentLister, repo string) *Catalog {
	return &Catalog{
		client: client,
		repo:   repo,
	}
}

// FetchPage fetches the page at token; an empty token is the first page.
//
// A failed request does not return an error: it is logged and reported as
// a PartialFailure whose page is empty and has no continuation token.
func (c *Catalog) FetchPage(ctx context.Context, token string) PageResult {
	page, err := c.client.Components(ctx, c.repo, token)
	if err != nil {
		slog.Error("failed to get components", "repo", c.repo, "token", token, "error", err)
		return PageResult{Partial: &PartialFailure{Repository: c.repo, Token: token, Err: err}}
	}
	return PageResult{Page: *page}
}

// Walk fetches pages in continuation order and calls fn with each of them,
// waiting for fn to return before requesting the next page.
//
// It returns the number of pages visited and the PartialFailure that ended
// the listing early, if any. The error is non-nil only when ctx is done or
// fn fails.
func (c *Catalog) Walk(ctx context.Context, fn func(ctx context.Context, page nexus.Page) error) (int, *PartialFailure, error) {
	var token string
	seen := make(map[string]bool)
	pages := 0

	for {
		if err := ctx.Err(); err != nil {
			return pages, nil, err
		}

		res := c.FetchPage(ctx, token)
		pages++
		if res.Partial != nil {
			if err := ctx.Err(); err != nil {
				return pages, nil, err
			}
			return pages, res.Partial, nil
		}

		slog.Debug("fetched components", "repo", c.repo, "page", pages, "components", len(res.Page.Items))
		if err := fn(ctx, res.Page); err != nil {
			return pages, nil, err
		}

		next, ok := res.Page.Next()
		if !ok {
			return pages, nil, nil
		}
		if seen[next] {
			partial := &PartialFailure{
				Repository: c.repo,
				Token:      next,
				Err:        errors.New("continuation token repeated"),
			}
			slog.Error("failed to get components", "repo", c.repo, "token", next, "error", partial.Err)
			return pages, partial, nil
		}
		seen[next] = true
		token = next
	}
}
