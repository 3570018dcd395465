package email

import (
	"bufio"
	"io"
	"strings"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
)

// message is the subset of an IMAP message this adapter cares about.
type message struct {
	MsgID string // Message-Id header, used as the dedup key (spec.md §4.3)
	From  string
	Body  string
}

// fetchUnseen lists unseen messages in the currently selected mailbox and
// marks each \Seen once read, so a crashed/restarted adapter does not
// reprocess the whole mailbox (the core's (adapter, msg_id) dedup handles
// any message it does re-deliver regardless).
func fetchUnseen(c *imapclient.Client) ([]message, error) {
	criteria := &imap.SearchCriteria{
		NotFlag: []imap.Flag{imap.FlagSeen},
	}
	searchData, err := c.UIDSearch(criteria, nil).Wait()
	if err != nil {
		return nil, err
	}
	uids := searchData.AllUIDs()
	if len(uids) == 0 {
		return nil, nil
	}

	fetchOptions := &imap.FetchOptions{
		Envelope:    true,
		BodySection: []*imap.FetchItemBodySection{{}},
	}
	seqSet := imap.UIDSetNum(uids...)
	fetchCmd := c.Fetch(seqSet, fetchOptions)
	defer fetchCmd.Close()

	var out []message
	for {
		msg := fetchCmd.Next()
		if msg == nil {
			break
		}
		m, err := parseMessage(msg)
		if err != nil {
			continue
		}
		out = append(out, m)
	}
	if err := fetchCmd.Close(); err != nil {
		return out, err
	}

	storeFlags := &imap.StoreFlags{Op: imap.StoreFlagsAdd, Flags: []imap.Flag{imap.FlagSeen}}
	if err := c.Store(seqSet, storeFlags, nil).Wait(); err != nil {
		return out, err
	}
	return out, nil
}

func parseMessage(msg *imapclient.FetchMessageData) (message, error) {
	var m message
	for {
		item := msg.Next()
		if item == nil {
			break
		}
		switch data := item.(type) {
		case imapclient.FetchItemDataEnvelope:
			m.MsgID = data.Envelope.MessageID
			if len(data.Envelope.From) > 0 {
				addr := data.Envelope.From[0]
				m.From = addr.Mailbox + "@" + addr.Host
			}
		case imapclient.FetchItemDataBodySection:
			body, err := io.ReadAll(bufio.NewReader(data.Literal))
			if err != nil {
				return m, err
			}
			m.Body = strings.TrimSpace(string(body))
		}
	}
	if m.MsgID == "" {
		return m, errEmptyMessageID
	}
	return m, nil
}

var errEmptyMessageID = &imapParseError{"missing Message-Id"}

type imapParseError struct{ msg string }

func (e *imapParseError) Error() string { return "email: " + e.msg }
