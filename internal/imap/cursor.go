package imap

import (
	"math"
	"time"

	"github.com/vdavid/mailsync/internal/models"
)

// FetchRange is the part of a folder that still has to be downloaded.
// Exactly one of FromUID and Since is set.
type FetchRange struct {
	// FromUID starts a UID range that always ends at math.MaxUint32.
	FromUID uint32
	// Since limits the search to messages received on or after this date.
	Since *time.Time
	// MinUID drops search results at or below it. Zero keeps everything.
	MinUID uint32
}

// ResolveCursor decides what to fetch given the stored cursor and the folder's
// current UID validity.
//
// The range upper bound is math.MaxUint32 rather than "*", because "n:*" always
// matches the last message even when n is above every UID.
func ResolveCursor(cursor models.Cursor, currentUIDValidity uint32, dateSearch bool) FetchRange {
	if cursor.UIDValidity == 0 {
		return FetchRange{FromUID: 1}
	}

	if cursor.UIDValidity == currentUIDValidity {
		if cursor.LastUID == math.MaxUint32 {
			return FetchRange{FromUID: math.MaxUint32, MinUID: math.MaxUint32}
		}
		return FetchRange{FromUID: cursor.LastUID + 1, MinUID: cursor.LastUID}
	}

	// UIDs from the old epoch mean nothing now.
	if cursor.LastSeenAt != nil && dateSearch {
		since := *cursor.LastSeenAt
		return FetchRange{Since: &since}
	}
	return FetchRange{FromUID: 1}
}
