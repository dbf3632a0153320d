package transcript

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
)

// Export writes the conversation as JSON Lines: the conversation header
// first, then one message per line in transcript order.
func (t *Transcript) Export(ctx context.Context, conversationID string, w io.Writer) error {
	conv, err := t.convs.GetConversation(ctx, conversationID)
	if err != nil {
		return err
	}
	msgs, err := t.convs.ListMessages(ctx, conversationID)
	if err != nil {
		return err
	}

	bw := bufio.NewWriter(w)
	if err := writeLine(bw, conv); err != nil {
		return fmt.Errorf("failed to write conversation header: %w", err)
	}
	for _, m := range msgs {
		if err := writeLine(bw, m); err != nil {
			return fmt.Errorf("failed to write message %s: %w", m.ID, err)
		}
	}
	return bw.Flush()
}

func writeLine(w *bufio.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		return err
	}
	return w.WriteByte('\n')
}
