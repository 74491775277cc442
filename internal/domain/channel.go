package domain

import (
	"errors"
	"strings"
)

const (
	MaxChannelKeyLen = 64

	voiceTopicPrefix = "voice:"
)

var ErrChannelKeyInvalid = errors.New("invalid channel key")

// ChannelKey identifies a voice channel.
type ChannelKey string

func ParseChannelKey(raw string) (ChannelKey, error) {
	if raw == "" || len(raw) > MaxChannelKeyLen || strings.ContainsAny(raw, ": \t\n") {
		return "", ErrChannelKeyInvalid
	}
	return ChannelKey(raw), nil
}

// Topic is the relay channel name used for signaling and presence.
func (k ChannelKey) Topic() string { return voiceTopicPrefix + string(k) }

// KeyFromTopic is the inverse of Topic.
func KeyFromTopic(topic string) (ChannelKey, bool) {
	key, ok := strings.CutPrefix(topic, voiceTopicPrefix)
	if !ok || key == "" {
		return "", false
	}
	return ChannelKey(key), true
}

func (k ChannelKey) String() string { return string(k) }
