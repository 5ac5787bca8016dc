package api

import (
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ruteri/tee-sidechain-worker/interfaces"
)

const (
	// OwnerSignatureHeader carries the owner signature of key vault reads.
	OwnerSignatureHeader = "X-Owner-Signature"
	// OwnerTimestampHeader carries the signed unix timestamp of key vault reads.
	OwnerTimestampHeader = "X-Owner-Timestamp"
)

// Share is the JSON form of interfaces.Share.
type Share struct {
	Index   uint8         `json:"index"`
	Payload hexutil.Bytes `json:"payload"`
}

// ShareFrom converts a vault share.
func ShareFrom(s *interfaces.Share) Share {
	return Share{Index: s.Index, Payload: s.Payload}
}

// ToShare converts back to a vault share.
func (s Share) ToShare() interfaces.Share {
	return interfaces.Share{Index: s.Index, Payload: s.Payload}
}

// ProvisionShareRequest stores the share of NFT ID for Owner.
type ProvisionShareRequest struct {
	Owner     string        `json:"owner"`
	ID        uint32        `json:"id"`
	Share     Share         `json:"share"`
	Timestamp int64         `json:"timestamp"`
	Signature hexutil.Bytes `json:"signature"`
}

// CheckShareResponse reports whether a share is held.
type CheckShareResponse struct {
	Exists bool `json:"exists"`
}

// GetShareResponse returns a held share.
type GetShareResponse struct {
	Share Share `json:"share"`
}

// StatusResponse describes the worker.
type StatusResponse struct {
	Account    string `json:"account"`
	Shard      string `json:"shard"`
	Stage      string `json:"stage"`
	Primary    bool   `json:"primary"`
	HeadNumber uint64 `json:"head_number"`
	StateHash  string `json:"state_hash"`
	Nfts       int    `json:"nfts"`
}
