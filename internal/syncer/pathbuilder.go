package syncer

import (
	"context"
	"fmt"
	"path"
	"strings"

	"drivault/internal/provider"
)

// pathIndex is the slice of the store the path builder needs for
// conflict checks.
type pathIndex interface {
	ItemPathInUse(ctx context.Context, rootID, path, excludeProviderItemID string) (bool, error)
}

// PathBuilder assigns stable, filesystem-safe relative paths to
// provider items. Folder paths are cached so files resolve against
// their parent chain; collisions between sanitized names are broken
// with a provider id suffix.
type PathBuilder struct {
	index   pathIndex
	rootID  string
	folders map[string]string
}

func NewPathBuilder(index pathIndex, rootID string) *PathBuilder {
	return &PathBuilder{
		index:   index,
		rootID:  rootID,
		folders: make(map[string]string),
	}
}

// Warm seeds the folder cache from already tracked items
// (provider item id to path).
func (b *PathBuilder) Warm(paths map[string]string) {
	for id, p := range paths {
		b.folders[id] = p
	}
}

// SetFolder records a folder's resolved path for its children.
func (b *PathBuilder) SetFolder(providerID, relPath string) {
	b.folders[providerID] = relPath
}

// ForItem resolves the relative backup path for an item. Items whose
// parent is unknown (shared items, ordering gaps in the change feed)
// land at the root of the tree.
func (b *PathBuilder) ForItem(ctx context.Context, item provider.Item) (string, error) {
	name := sanitizeName(item.Name)
	candidate := name
	if parent, ok := b.folders[item.ParentID]; ok && parent != "" {
		candidate = path.Join(parent, name)
	}

	inUse, err := b.index.ItemPathInUse(ctx, b.rootID, candidate, item.ID)
	if err != nil {
		return "", err
	}
	if !inUse {
		return candidate, nil
	}

	// Another item owns this path. Disambiguate with a provider id
	// prefix before the extension, e.g. "report (a1b2c3d4).pdf".
	suffix := item.ID
	if len(suffix) > 8 {
		suffix = suffix[:8]
	}
	ext := path.Ext(candidate)
	base := strings.TrimSuffix(candidate, ext)
	disambiguated := fmt.Sprintf("%s (%s)%s", base, suffix, ext)

	inUse, err = b.index.ItemPathInUse(ctx, b.rootID, disambiguated, item.ID)
	if err != nil {
		return "", err
	}
	if inUse {
		return "", fmt.Errorf("cannot resolve path conflict for %s (%s)", item.Name, item.ID)
	}
	return disambiguated, nil
}

const maxNameLen = 200

// sanitizeName makes a provider file name safe as a single path
// segment on common filesystems.
func sanitizeName(name string) string {
	var sb strings.Builder
	for _, r := range name {
		switch {
		case r == '/' || r == '\\' || r == 0:
			sb.WriteRune('_')
		case r < 0x20:
			sb.WriteRune('_')
		default:
			sb.WriteRune(r)
		}
	}
	cleaned := strings.Trim(sb.String(), " .")
	if cleaned == "" || cleaned == ".." {
		cleaned = "unnamed"
	}
	if len(cleaned) > maxNameLen {
		cleaned = cleaned[:maxNameLen]
	}
	return cleaned
}
