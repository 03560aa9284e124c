// sync.go - Sync transcript construction.
// SPDX-License-Identifier: AGPL-3.0-only

package envelope

import (
	"github.com/courierkit/courierkit/address"
)

// BuildSentTranscript wraps previously-built content in a sync transcript
// for delivery to the sender's own linked devices.  recipient may be nil
// for fan-out sends where no single destination applies.
//
// If the original content is a view-once data message, the embedded copy
// has its attachments cleared so the media is not re-exposed to the
// sender's other devices.
func (c *Codec) BuildSentTranscript(original *Content, recipient *address.Address, timestamp int64, statuses []DeliveryStatus, isRecipientUpdate bool, now int64) (*Content, error) {
	sent := &SentTranscript{
		Timestamp:          timestamp,
		UnidentifiedStatus: statuses,
		IsRecipientUpdate:  isRecipientUpdate,
	}

	if recipient != nil {
		sent.DestinationID = recipient.AccountID
		sent.DestinationNumber = recipient.Number
	}

	if original != nil && original.DataMessage != nil {
		dm := *original.DataMessage
		if dm.ExpireTimer > 0 {
			sent.ExpirationStart = now
		}
		if dm.ViewOnce {
			dm.Attachments = nil
		}
		sent.Message = &dm
	}

	return &Content{SyncMessage: &SyncMessage{Sent: sent}}, nil
}
