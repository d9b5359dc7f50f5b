package events

import "strings"

// Topic names used by the storefront.
const (
	TopicProducts   = "products"
	TopicCategories = "categories"
	topicCartPrefix = "cart:"

	// updatedSuffix is appended to a topic's scope to form its event name.
	updatedSuffix = "_updated"
)

// CartTopic returns the per-cart topic for cartID.
func CartTopic(cartID string) string { return topicCartPrefix + cartID }

// EventName maps a topic to the bare event delivered to its members.
// Scoped topics drop their scope: "cart:42" yields "cart_updated".
func EventName(topic string) string {
	if i := strings.IndexByte(topic, ':'); i >= 0 {
		topic = topic[:i]
	}
	return topic + updatedSuffix
}

// IsEventFor reports whether eventName is the event published for topic.
func IsEventFor(topic, eventName string) bool {
	return topic != "" && EventName(topic) == eventName
}
