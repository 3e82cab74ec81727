package graph

import (
	"fmt"
	"strings"
)

// DefaultKeyPrefix is the namespace prefix used for pub/sub keys when no
// custom prefix is configured.
const DefaultKeyPrefix = "pubsub"

// Context and subscribe-payload records live in a fixed namespace that is
// independent of the configurable pub/sub prefix.
const (
	contextKeyPrefix = "graphql:connection:"
	payloadKeyPrefix = "graphql:subscription:"
)

// channelSeparator joins the connection key and subscription key of a channel
// tuple stored on a topic's subscriber set.
const channelSeparator = "#"

// KeySpace computes the Redis keys used by the registry, the context store,
// and the publisher. The pub/sub prefix is configurable; the three namespaces
// (conn, sub, topic) are fixed.
//
// Layout:
//
//	pubsub:conn:{connectionId}       set of owned subscription keys
//	pubsub:sub:{subscriptionId}      set of topic keys
//	pubsub:topic:{name}              set of channel tuples
//	graphql:connection:{cid}         hash of flattened context fields
//	graphql:subscription:{sid}       verbatim subscribe payload (JSON)
type KeySpace struct {
	prefix string
}

// NewKeySpace creates a KeySpace with the given pub/sub prefix.
// An empty prefix selects DefaultKeyPrefix.
func NewKeySpace(prefix string) *KeySpace {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &KeySpace{prefix: prefix}
}

// ConnectionKey returns the key of the connection's owned-subscriptions set.
func (k *KeySpace) ConnectionKey(connectionID string) string {
	return k.prefix + ":conn:" + connectionID
}

// SubscriptionKey returns the key of the subscription's topic set.
func (k *KeySpace) SubscriptionKey(subscriptionID string) string {
	return k.prefix + ":sub:" + subscriptionID
}

// TopicKey returns the key of the topic's subscriber set.
func (k *KeySpace) TopicKey(topic string) string {
	return k.prefix + ":topic:" + topic
}

// ContextKey returns the key of the connection's flattened context hash.
func (k *KeySpace) ContextKey(connectionID string) string {
	return contextKeyPrefix + connectionID
}

// PayloadKey returns the key of the subscription's subscribe payload record.
func (k *KeySpace) PayloadKey(subscriptionID string) string {
	return payloadKeyPrefix + subscriptionID
}

// ChannelTuple encodes the delivery address recorded on a topic's subscriber
// set: the full connection key and subscription key joined by "#". Both ids
// are recoverable from the encoded string with ParseChannelTuple.
func (k *KeySpace) ChannelTuple(connectionID, subscriptionID string) string {
	return k.ConnectionKey(connectionID) + channelSeparator + k.SubscriptionKey(subscriptionID)
}

// ParseChannelTuple recovers the connection id and subscription id from an
// encoded channel tuple. It splits on "#" and takes the final ":"-delimited
// segment of each half.
func (k *KeySpace) ParseChannelTuple(tuple string) (connectionID, subscriptionID string, err error) {
	parts := strings.Split(tuple, channelSeparator)
	if len(parts) != 2 {
		return "", "", fmt.Errorf("malformed channel tuple %q", tuple)
	}
	connectionID = lastSegment(parts[0])
	subscriptionID = lastSegment(parts[1])
	if connectionID == "" || subscriptionID == "" {
		return "", "", fmt.Errorf("malformed channel tuple %q", tuple)
	}
	return connectionID, subscriptionID, nil
}

// TopicName strips the topic namespace from a stored topic key.
func (k *KeySpace) TopicName(topicKey string) string {
	return strings.TrimPrefix(topicKey, k.prefix+":topic:")
}

// SubscriptionID strips the subscription namespace from a stored
// subscription key.
func (k *KeySpace) SubscriptionID(subscriptionKey string) string {
	return lastSegment(subscriptionKey)
}

func lastSegment(key string) string {
	idx := strings.LastIndex(key, ":")
	if idx < 0 {
		return key
	}
	return key[idx+1:]
}
