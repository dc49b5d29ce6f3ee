package command

import "fmt"

// RESP reply-byte formatting helpers. Out of the core per spec §1 (treated
// as a straightforward adapter), but the dispatcher needs somewhere to
// build its replies.

func okReply() []byte { return []byte("+OK\r\n") }

func simpleReply(s string) []byte { return []byte("+" + s + "\r\n") }

func errReply(msg string) []byte { return []byte("-ERR " + msg + "\r\n") }

func customErrReply(tag, msg string) []byte { return []byte("-" + tag + " " + msg + "\r\n") }

func intReply(n int64) []byte { return []byte(fmt.Sprintf(":%d\r\n", n)) }

func bulkReply(b []byte) []byte {
	return []byte(fmt.Sprintf("$%d\r\n%s\r\n", len(b), b))
}

func nullBulkReply() []byte { return []byte("$-1\r\n") }

func arrayHeader(n int) []byte { return []byte(fmt.Sprintf("*%d\r\n", n)) }
