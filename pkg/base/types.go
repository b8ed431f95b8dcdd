package base

import (
	"github.com/emersion/go-imap"
)

const (
	SERVICE_NAME = "tabellarium"

	IMAP_USER_ENV_VAR = "TABELLARIUM_IMAP_USER"
	IMAP_PASS_ENV_VAR = "TABELLARIUM_IMAP_PASS"
	IMAP_HOST_ENV_VAR = "TABELLARIUM_IMAP_HOST"
	IMAP_PORT_ENV_VAR = "TABELLARIUM_IMAP_PORT"

	S3_KEY_ENV_VAR    = "TABELLARIUM_S3_KEY"
	S3_SECRET_ENV_VAR = "TABELLARIUM_S3_SECRET"

	OTLP_DSN_ENV_VAR = "TABELLARIUM_OTLP_DSN"

	DEFAULT_SECURE_PORT = 993
	DEFAULT_PLAIN_PORT  = 143
)

// Client is an interface to abstract the client.Client methods used
type Client interface {
	Close() error
	List(ref, name string, ch chan *imap.MailboxInfo) error
	Login(username string, password string) error
	Logout() error
	Select(name string, readOnly bool) (*imap.MailboxStatus, error)
	State() imap.ConnState
	UidFetch(seqset *imap.SeqSet, items []imap.FetchItem, ch chan *imap.Message) error
	UidSearch(criteria *imap.SearchCriteria) (uids []uint32, err error)
	UidStore(seqset *imap.SeqSet, item imap.StoreItem, value interface{}, ch chan *imap.Message) error
	Unselect() error
}
