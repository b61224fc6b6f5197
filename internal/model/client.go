package model

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"
)

// Client is a registered notification subscriber
type Client struct {
	ID          string            `json:"id"`
	Groups      []string          `json:"groups"`
	ConnectedAt time.Time         `json:"connected_at"`
	LastSeen    time.Time         `json:"last_seen"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// InGroup reports whether the client is a member of group
func (c Client) InGroup(group string) bool {
	return slices.Contains(c.Groups, group)
}

// ToHash flattens the client into the string map stored in the transport hash
func (c Client) ToHash() map[string]string {
	meta, _ := json.Marshal(c.Metadata)
	return map[string]string{
		"id":           c.ID,
		"groups":       strings.Join(c.Groups, ","),
		"connected_at": c.ConnectedAt.UTC().Format(time.RFC3339Nano),
		"last_seen":    c.LastSeen.UTC().Format(time.RFC3339Nano),
		"metadata":     string(meta),
	}
}

// ClientFromHash is the inverse of ToHash
func ClientFromHash(h map[string]string) (Client, error) {
	c := Client{ID: h["id"]}
	if c.ID == "" {
		return Client{}, fmt.Errorf("client hash missing id")
	}
	if g := h["groups"]; g != "" {
		c.Groups = strings.Split(g, ",")
	}
	var err error
	if v := h["connected_at"]; v != "" {
		if c.ConnectedAt, err = time.Parse(time.RFC3339Nano, v); err != nil {
			return Client{}, fmt.Errorf("parse connected_at: %w", err)
		}
	}
	if v := h["last_seen"]; v != "" {
		if c.LastSeen, err = time.Parse(time.RFC3339Nano, v); err != nil {
			return Client{}, fmt.Errorf("parse last_seen: %w", err)
		}
	}
	if v := h["metadata"]; v != "" && v != "null" {
		if err := json.Unmarshal([]byte(v), &c.Metadata); err != nil {
			return Client{}, fmt.Errorf("parse metadata: %w", err)
		}
	}
	return c, nil
}
