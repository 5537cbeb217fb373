package backup

import (
	"path/filepath"
)

// PathResolver computes where a backup lives on disk. For SINGLE targets the
// returned path is the stem; the real file carries the upload's extension.
type PathResolver struct {
	recycleBinRoot string
}

// NewPathResolver creates a resolver rooted at the shared recycle bin
func NewPathResolver(recycleBinRoot string) *PathResolver {
	return &PathResolver{recycleBinRoot: recycleBinRoot}
}

// RecycleBinRoot returns the shared recycle bin directory
func (pr *PathResolver) RecycleBinRoot() string {
	return pr.recycleBinRoot
}

// ActivePath is the location of a backup that is not recycled
func (pr *PathResolver) ActivePath(target *Target, b *Backup) string {
	return pr.pathIn(target.Location, target.NameTemplate, b)
}

// RecycledPath is the location of a backup inside the recycle bin
func (pr *PathResolver) RecycledPath(target *Target, b *Backup) string {
	return pr.pathIn(pr.recycleBinRoot, target.NameTemplate, b)
}

// CurrentPath picks the active or recycled location from b.IsRecycled
func (pr *PathResolver) CurrentPath(target *Target, b *Backup) string {
	if b.IsRecycled {
		return pr.RecycledPath(target, b)
	}
	return pr.ActivePath(target, b)
}

// PathFor resolves a backup's location for an explicit root and template,
// used when the target's own fields are about to change.
func (pr *PathResolver) PathFor(root, template string, b *Backup) string {
	return pr.pathIn(root, template, b)
}

func (pr *PathResolver) pathIn(root, template string, b *Backup) string {
	return filepath.Join(root, FormatName(template, b.ID, b.CreatedAt))
}
