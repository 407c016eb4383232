package inviteapi

import (
	"time"

	"vine/cmd/internal/invite"
	"vine/cmd/internal/quota"
)

type generateRequest struct {
	SenderUID      string  `json:"sender_uid"`
	SenderEmail    string  `json:"sender_email"`
	RecipientEmail *string `json:"recipient_email"`
}

type generateResponse struct {
	InviteID string         `json:"invite_id"`
	Code     string         `json:"code"`
	Link     string         `json:"link"`
	Quota    quota.Snapshot `json:"quota"`
}

type redeemRequest struct {
	Code          string `json:"code"`
	RedeemerUID   string `json:"redeemer_uid"`
	RedeemerEmail string `json:"redeemer_email"`
}

type redeemResponse struct {
	Success       bool           `json:"success"`
	Replayed      bool           `json:"replayed,omitempty"`
	SenderUID     string         `json:"sender_uid"`
	NewQuota      quota.Snapshot `json:"new_quota"`
	BonusUnlocked bool           `json:"bonus_unlocked,omitempty"`
}

type statusResponse struct {
	Valid        bool   `json:"valid"`
	InviterUID   string `json:"inviter_uid,omitempty"`
	InviterEmail string `json:"inviter_email,omitempty"`
	Reason       string `json:"reason,omitempty"`
}

type quotaResponse struct {
	Quota   quota.Snapshot `json:"quota"`
	CanSend bool           `json:"can_send"`
}

type setAdminRequest struct {
	CallerUID string `json:"caller_uid"`
	UID       string `json:"uid"`
	Admin     bool   `json:"admin"`
}

type syncBonusRequest struct {
	UID string `json:"uid"`
}

type syncBonusResponse struct {
	Quota   quota.Snapshot `json:"quota"`
	Applied bool           `json:"applied"`
}

type inviteResponse struct {
	ID             string     `json:"id"`
	SenderUID      string     `json:"sender_uid"`
	SenderEmail    string     `json:"sender_email"`
	RecipientEmail *string    `json:"recipient_email,omitempty"`
	Code           string     `json:"code"`
	Status         string     `json:"status"`
	SentAt         time.Time  `json:"sent_at"`
	RedeemedAt     *time.Time `json:"redeemed_at,omitempty"`
	RedeemedByUID  *string    `json:"redeemed_by_uid,omitempty"`
}

type inviteListResponse struct {
	Invites []inviteResponse `json:"invites"`
}

func toInviteResponse(inv invite.Invite) inviteResponse {
	return inviteResponse{
		ID:             inv.ID,
		SenderUID:      inv.SenderUID,
		SenderEmail:    inv.SenderEmail,
		RecipientEmail: inv.RecipientEmail,
		Code:           inv.Token,
		Status:         inv.Status,
		SentAt:         inv.SentAt,
		RedeemedAt:     inv.RedeemedAt,
		RedeemedByUID:  inv.RedeemedByUID,
	}
}
