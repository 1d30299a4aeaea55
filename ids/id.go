// This package defines the message id used through out courier. A message id is derived from the
// sender's client timestamp, user id and device id, which makes it stable across retries.
package ids

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

const DefaultDeviceID uint32 = 1

func MessageID(clientTimestamp uint64, senderID string, deviceID uint32) string {
	return fmt.Sprintf("%d%s%d", clientTimestamp, senderID, deviceID)
}

// NoticeID identifies a locally generated notice. Notices have no device behind them, so a
// random suffix keeps notices created in the same millisecond apart.
func NoticeID(timestamp uint64, uid string) string {
	return fmt.Sprintf("%d%s-%s", timestamp, uid, uuid.NewString())
}

// Compare orders two messages by ordering key first and id second.
func Compare(aKey uint64, aID string, bKey uint64, bID string) int {
	switch {
	case aKey < bKey:
		return -1
	case aKey > bKey:
		return 1
	}
	return strings.Compare(aID, bID)
}
