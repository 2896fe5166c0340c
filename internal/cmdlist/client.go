package cmdlist

import (
	"github.com/datallboy/newsflow/internal/buffer"
	"github.com/datallboy/newsflow/internal/nntp"
)

// Client is the blocking command set the list runners need. *nntp.Protocol
// implements it; each caller owns its own Client.
type Client interface {
	ChangeGroup(name string) (bool, error)
	QueryGroup(name string) (nntp.GroupInfo, bool, error)
	DownloadArticle(id string, out *buffer.Buffer) (buffer.Status, error)
	DownloadOverview(first, last uint64, out *buffer.Buffer) (bool, error)
	DownloadList(out *buffer.Buffer) error
}

var _ Client = (*nntp.Protocol)(nil)
