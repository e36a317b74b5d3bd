// Package placement implements the atomic tile placement policy: given
// a staged source file and a tile's metadata, decide whether to skip,
// back up then place, or place outright, and perform the move
// atomically within a filesystem.
package placement

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/flightgear-scenery/go-photoscenery/cacheindex"
	"github.com/flightgear-scenery/go-photoscenery/codec"
	"github.com/flightgear-scenery/go-photoscenery/geodesy"
)

// OverwriteMode is the placement policy selector.
type OverwriteMode int

const (
	OverwriteNever    OverwriteMode = 0
	OverwriteIfLarger OverwriteMode = 1
	OverwriteAlways   OverwriteMode = 2
)

// Decision reports what Place actually did, for observability and
// testing.
type Decision int

const (
	DecisionSkip Decision = iota
	DecisionBackupThenPlace
	DecisionPlace
)

// S3Backend uploads/removes objects under an s3://bucket/prefix backup
// tree. Implementations wrap aws-sdk-go's s3manager; nil disables S3
// backup support entirely (the common case, a purely local backup tree).
type S3Backend interface {
	Put(key string, data []byte) error
	Delete(key string) error
	Exists(key string) (bool, error)
}

// Placer performs placement decisions and moves.
type Placer struct {
	Index *cacheindex.Index
	S3    S3Backend
}

// New creates a Placer bound to idx for index updates, with an optional
// S3 backend for s3:// backup roots.
func New(idx *cacheindex.Index, s3 S3Backend) *Placer {
	return &Placer{Index: idx, S3: s3}
}

// Place moves one staged file into tile m's final tree, applying the
// overwrite/backup policy against whatever is already at the
// destination. fileExt should be "dds" or "png" matching the source
// file's format.
func (p *Placer) Place(sourcePath string, m geodesy.TileMetadata, rootTree, backupTree string, mode OverwriteMode, fileExt string) (Decision, error) {
	dir10, dir1 := geodesy.DirLabels(m.ID)
	destDir := filepath.Join(rootTree, dir10, dir1)
	destPath := filepath.Join(destDir, fmt.Sprintf("%07d.%s", m.ID, fileExt))

	if samePath(sourcePath, destPath) {
		return DecisionSkip, nil
	}

	if _, err := os.Stat(destPath); os.IsNotExist(err) {
		return p.move(sourcePath, destPath, m, DecisionPlace)
	}

	switch mode {
	case OverwriteNever:
		if err := os.Remove(sourcePath); err != nil {
			return DecisionSkip, err
		}
		return DecisionSkip, nil

	case OverwriteIfLarger:
		existingWidth, err := measureWidth(destPath, fileExt)
		if err != nil {
			// Corrupt destination: treat as absent and proceed as a move.
			if rmErr := p.removeDestination(destPath); rmErr != nil {
				return DecisionSkip, rmErr
			}
			return p.move(sourcePath, destPath, m, DecisionPlace)
		}

		if m.WidthPx <= existingWidth {
			if err := os.Remove(sourcePath); err != nil {
				return DecisionSkip, err
			}
			return DecisionSkip, nil
		}

		if err := p.backupExisting(destPath, backupTree, existingWidth, dir10, dir1, m.ID, fileExt); err != nil {
			return DecisionSkip, err
		}
		return p.move(sourcePath, destPath, m, DecisionBackupThenPlace)

	case OverwriteAlways:
		if existingWidth, err := measureWidth(destPath, fileExt); err == nil {
			if err := p.backupExisting(destPath, backupTree, existingWidth, dir10, dir1, m.ID, fileExt); err != nil {
				return DecisionSkip, err
			}
			return p.move(sourcePath, destPath, m, DecisionBackupThenPlace)
		}
		if err := p.removeDestination(destPath); err != nil {
			return DecisionSkip, err
		}
		return p.move(sourcePath, destPath, m, DecisionPlace)

	default:
		return DecisionSkip, fmt.Errorf("placement: unknown overwrite mode %d", mode)
	}
}

func measureWidth(path, fileExt string) (int, error) {
	switch fileExt {
	case "dds":
		w, _, err := codec.DDSDimensions(path)
		return w, err
	case "png":
		w, _, err := codec.PNGDimensions(path)
		return w, err
	default:
		return 0, fmt.Errorf("placement: unknown extension %s", fileExt)
	}
}

func (p *Placer) removeDestination(destPath string) error {
	if isS3URI(destPath) {
		return p.S3.Delete(s3Key(destPath))
	}
	if err := os.Remove(destPath); err != nil && !os.IsNotExist(err) {
		return err
	}
	if p.Index != nil {
		return p.Index.Remove(destPath)
	}
	return nil
}

func (p *Placer) backupExisting(destPath, backupTree string, existingWidth int, dir10, dir1 string, id int64, fileExt string) error {
	backupPath := filepath.Join(backupTree, strconv.Itoa(existingWidth), dir10, dir1, fmt.Sprintf("%07d.%s", id, fileExt))

	if isS3URI(backupTree) {
		// filepath.Join folds "s3://" into "s3:/", so the object key is
		// built from backupTree's own prefix rather than from backupPath.
		key := strings.TrimPrefix(strings.Join([]string{strings.Trim(s3Key(backupTree), "/"), strconv.Itoa(existingWidth), dir10, dir1, fmt.Sprintf("%07d.%s", id, fileExt)}, "/"), "/")
		data, err := os.ReadFile(destPath)
		if err != nil {
			return err
		}
		if err := p.S3.Put(key, data); err != nil {
			return err
		}
		return os.Remove(destPath)
	}

	if err := os.MkdirAll(filepath.Dir(backupPath), 0o755); err != nil {
		return err
	}
	if err := atomicMove(destPath, backupPath); err != nil {
		return err
	}
	if p.Index != nil {
		rec := &cacheindex.CacheRecord{Path: backupPath, ID: id, SizeID: sizeIDForWidth(existingWidth), Width: existingWidth}
		_ = p.Index.Upsert(rec)
		_ = p.Index.Remove(destPath)
	}
	return nil
}

func sizeIDForWidth(width int) int {
	for i, w := range geodesy.WidthPx {
		if w == width {
			return i
		}
	}
	return -1
}

func (p *Placer) move(sourcePath, destPath string, m geodesy.TileMetadata, decision Decision) (Decision, error) {
	if isS3URI(destPath) {
		data, err := os.ReadFile(sourcePath)
		if err != nil {
			return DecisionSkip, err
		}
		if err := p.S3.Put(s3Key(destPath), data); err != nil {
			return DecisionSkip, err
		}
		if err := os.Remove(sourcePath); err != nil {
			return DecisionSkip, err
		}
		return decision, nil
	}

	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return DecisionSkip, err
	}
	if err := atomicMove(sourcePath, destPath); err != nil {
		return DecisionSkip, err
	}

	if p.Index != nil {
		info, err := os.Stat(destPath)
		if err == nil {
			rec := &cacheindex.CacheRecord{
				Path:   destPath,
				ID:     m.ID,
				Size:   info.Size(),
				SizeID: m.SizeID,
				Width:  m.WidthPx,
			}
			_ = p.Index.Upsert(rec)
		}
	}
	return decision, nil
}

// atomicMove performs a rename, falling back to copy+remove when the
// source and destination are on different filesystems (cross-device
// rename errors EXDEV).
func atomicMove(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}

	tmp := dst + ".tmp"
	if err := copyFile(src, tmp); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Remove(src)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}

func samePath(a, b string) bool {
	absA, errA := filepath.Abs(a)
	absB, errB := filepath.Abs(b)
	if errA != nil || errB != nil {
		return a == b
	}
	return absA == absB
}

func isS3URI(path string) bool {
	return strings.HasPrefix(path, "s3://")
}

func s3Key(uri string) string {
	trimmed := strings.TrimPrefix(uri, "s3://")
	idx := strings.Index(trimmed, "/")
	if idx < 0 {
		return ""
	}
	return trimmed[idx+1:]
}
