package quota

import (
	"golang.org/x/sys/unix"
)

// DiskStatser reports filesystem capacity for the media storage path.
type DiskStatser interface {
	Stat(path string) (total uint64, free uint64, err error)
}

// StatfsDisk uses statfs(2) on the media path's filesystem.
type StatfsDisk struct{}

var _ DiskStatser = (*StatfsDisk)(nil)

func (StatfsDisk) Stat(path string) (uint64, uint64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return 0, 0, err
	}
	bsize := uint64(st.Bsize)
	return st.Blocks * bsize, st.Bavail * bsize, nil
}
