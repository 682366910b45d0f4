// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package source

import (
	"strconv"
	"time"
)

// Message is the payload handed to the pipeline for one inbound request.
type Message struct {
	Value     []byte
	ID        string
	Headers   map[string]string
	EventTime time.Time
}

// MessageWrapper pairs a Message with the completion signal its producer waits on.
// The actor takes over the completion when the message is delivered by a read.
type MessageWrapper struct {
	Message    Message
	Completion *Completion
}

// NewMessageWrapper wraps msg with a fresh completion signal.
func NewMessageWrapper(msg Message) *MessageWrapper {
	if msg.Headers == nil {
		msg.Headers = make(map[string]string)
	}
	if msg.EventTime.IsZero() {
		msg.EventTime = time.Now()
	}
	return &MessageWrapper{
		Message:    msg,
		Completion: NewCompletion(),
	}
}

// MakeOffset builds the acknowledgment token for a message delivered by the given replica.
func MakeOffset(id string, replica uint16) string {
	return id + offsetSuffix(replica)
}

func offsetSuffix(replica uint16) string {
	return "-" + strconv.FormatUint(uint64(replica), 10)
}
