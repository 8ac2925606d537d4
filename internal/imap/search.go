package imap

import (
	"fmt"
	"math"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
)

// buildCriteria turns a fetch range into UID SEARCH criteria.
func buildCriteria(rng FetchRange) *imap.SearchCriteria {
	criteria := imap.NewSearchCriteria()
	if rng.Since != nil {
		criteria.Since = *rng.Since
		return criteria
	}

	seqSet := new(imap.SeqSet)
	seqSet.AddRange(rng.FromUID, math.MaxUint32)
	criteria.Uid = seqSet
	return criteria
}

// searchUIDs runs UID SEARCH for the range on the selected folder.
func searchUIDs(c *client.Client, rng FetchRange) ([]uint32, error) {
	if c == nil {
		return nil, fmt.Errorf("client is nil")
	}

	uids, err := c.UidSearch(buildCriteria(rng))
	if err != nil {
		return nil, fmt.Errorf("failed to search UIDs: %w", err)
	}

	return uids, nil
}
