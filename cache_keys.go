package coursepath

import (
	"fmt"
	"net/url"
	"strings"
)

// Row keys form a path: every child key is its parent's key followed by
// "#kind:id". A subtree is therefore the parent key plus every key that
// starts with parentKey+"#".

const serverKeyPrefix = "#server:"

func serverRowKey(host string) []byte {
	return []byte(serverKeyPrefix + url.PathEscape(host))
}

func courseRowKey(host string, courseID int64) []byte {
	return []byte(fmt.Sprintf("%s#course:%d", serverRowKey(host), courseID))
}

func conversationRowKey(host string, courseID, conversationID int64) []byte {
	return []byte(fmt.Sprintf("%s#conversation:%d", courseRowKey(host, courseID), conversationID))
}

func messageRowKey(host string, courseID, conversationID, messageID int64) []byte {
	return []byte(fmt.Sprintf("%s#message:%d", conversationRowKey(host, courseID, conversationID), messageID))
}

func offlineMessageRowKey(host string, courseID, conversationID int64, id string) []byte {
	return append(offlineMessagePrefix(host, courseID, conversationID), id...)
}

func offlineMessagePrefix(host string, courseID, conversationID int64) []byte {
	return append(conversationRowKey(host, courseID, conversationID), "#offline:"...)
}

func offlineAnswerRowKey(host string, courseID, conversationID, messageID int64, id string) []byte {
	return append(offlineAnswerPrefix(host, courseID, conversationID, messageID), id...)
}

func offlineAnswerPrefix(host string, courseID, conversationID, messageID int64) []byte {
	return append(messageRowKey(host, courseID, conversationID, messageID), "#offline:"...)
}

// subtreePrefix returns the prefix shared by every descendant of key.
func subtreePrefix(key []byte) []byte {
	p := make([]byte, 0, len(key)+1)
	p = append(p, key...)
	return append(p, '#')
}

// parseServerRowKey returns the host of a server record key. Keys that
// belong to a descendant of a server are rejected.
func parseServerRowKey(key []byte) (string, bool) {
	s := string(key)
	if !strings.HasPrefix(s, serverKeyPrefix) {
		return "", false
	}
	escaped := strings.TrimPrefix(s, serverKeyPrefix)
	if strings.Contains(escaped, "#") {
		return "", false
	}
	host, err := url.PathUnescape(escaped)
	if err != nil {
		return "", false
	}
	return host, true
}

// isOfflineRowKey reports whether key names an offline message or answer row.
func isOfflineRowKey(key []byte) bool {
	return strings.Contains(string(key), "#offline:")
}

// isAnswerRowKey reports whether an offline row hangs below a message.
func isAnswerRowKey(key []byte) bool {
	s := string(key)
	i := strings.LastIndex(s, "#offline:")
	return i >= 0 && strings.Contains(s[:i], "#message:")
}
