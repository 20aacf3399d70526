package access

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// CachedDirectory memoizes username lookups for ttl. Membership checks always
// go to the underlying directory so a user removed from a chat loses access
// on the next SUB.
type CachedDirectory struct {
	Directory
	users *expirable.LRU[string, int64]
}

func NewCachedDirectory(dir Directory, size int, ttl time.Duration) *CachedDirectory {
	return &CachedDirectory{
		Directory: dir,
		users:     expirable.NewLRU[string, int64](size, nil, ttl),
	}
}

func (d *CachedDirectory) LookupUser(ctx context.Context, username string) (int64, error) {
	if id, ok := d.users.Get(username); ok {
		return id, nil
	}
	id, err := d.Directory.LookupUser(ctx, username)
	if err != nil {
		return 0, err
	}
	d.users.Add(username, id)
	return id, nil
}
