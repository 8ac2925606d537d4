package imap

import (
	"fmt"
	"strings"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
)

// excludedAttributes mark folders that are virtual or hold deleted mail.
var excludedAttributes = []string{
	imap.NoSelectAttr,
	imap.AllAttr,
	imap.TrashAttr,
}

// excludedPaths are provider folders with the same meaning, for servers that don't
// advertise special-use attributes.
var excludedPaths = map[string]bool{
	"[gmail]/all mail":       true,
	"[gmail]/trash":          true,
	"[google mail]/all mail": true,
	"[google mail]/trash":    true,
	"trash":                  true,
	"deleted items":          true,
	"deleted messages":       true,
}

// listMailboxes lists all folders on the IMAP server.
func listMailboxes(c *client.Client) ([]*imap.MailboxInfo, error) {
	if c == nil {
		return nil, fmt.Errorf("client is nil")
	}

	mailboxes := make(chan *imap.MailboxInfo, 10)
	done := make(chan error, 1)

	go func() {
		done <- c.List("", "*", mailboxes)
	}()

	var infos []*imap.MailboxInfo
	for m := range mailboxes {
		infos = append(infos, m)
	}

	if err := <-done; err != nil {
		return nil, fmt.Errorf("failed to list folders: %w", err)
	}

	return infos, nil
}

func isSyncable(info *imap.MailboxInfo, path string) bool {
	for _, attr := range info.Attributes {
		for _, excluded := range excludedAttributes {
			if strings.EqualFold(attr, excluded) {
				return false
			}
		}
	}
	return !excludedPaths[strings.ToLower(path)]
}

// toSlashPath converts a server mailbox name to a slash-delimited path.
func toSlashPath(name, delimiter string) string {
	if delimiter == "" || delimiter == "/" {
		return name
	}
	return strings.ReplaceAll(name, delimiter, "/")
}

// fromSlashPath converts a slash-delimited path back to a server mailbox name.
func fromSlashPath(path, delimiter string) string {
	if delimiter == "" || delimiter == "/" {
		return path
	}
	return strings.ReplaceAll(path, "/", delimiter)
}
