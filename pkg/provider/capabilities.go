package provider

import "context"

// Optional provider capability interfaces, used for feature detection.

// ObjectDeleter can delete objects. Deleting a missing object is not an error.
type ObjectDeleter interface {
	DeleteObject(ctx context.Context, key string) error
}

// ObjectLister can enumerate objects under a prefix.
type ObjectLister interface {
	List(ctx context.Context, opts ListOptions) (*ListResult, error)
}

// DeletePrefix removes every object under prefix. It requires both the
// lister and deleter capabilities.
func DeletePrefix(ctx context.Context, p Provider, prefix string) (int, error) {
	lister, ok := p.(ObjectLister)
	if !ok {
		return 0, ErrUnsupported
	}
	deleter, ok := p.(ObjectDeleter)
	if !ok {
		return 0, ErrUnsupported
	}

	deleted := 0
	token := ""
	for {
		page, err := lister.List(ctx, ListOptions{Prefix: prefix, ContinuationToken: token})
		if err != nil {
			return deleted, err
		}
		for _, obj := range page.Objects {
			if err := deleter.DeleteObject(ctx, obj.Key); err != nil {
				return deleted, err
			}
			deleted++
		}
		if !page.IsTruncated || page.ContinuationToken == "" {
			return deleted, nil
		}
		token = page.ContinuationToken
	}
}
