package mp4mux

import (
	"bytes"
	"context"
	"fmt"

	"mediamux/pkg/media"
	"mediamux/pkg/mp4"
	"mediamux/pkg/mp4/bitio"
)

// pendingCue is a WebVTT cue waiting for the timeline to pass its end.
type pendingCue struct {
	cue     media.SubtitleCue
	id      int32
	endUs   int64
	startUs int64
}

// addCue splits the subtitle timeline at cue starts and ends, emitting
// a gap sample or a cue sample at every boundary that has passed.
func (m *Muxer) addCue(ctx context.Context, tr *Track, cue media.SubtitleCue) error {
	if cue.Duration < 0 || cue.Timestamp < 0 {
		return &media.TimestampOrderError{
			Reason:    "negative cue timing",
			Timestamp: cue.Timestamp,
		}
	}
	for _, pending := range tr.cueQueue {
		if cue.Timestamp < pending.startUs {
			return &media.TimestampOrderError{
				Reason:    "cue starts before a prior cue",
				Timestamp: cue.Timestamp,
				Last:      pending.startUs,
			}
		}
	}

	if err := m.flushCueSamples(ctx, tr, cue.Timestamp); err != nil {
		return err
	}

	tr.nextCueID++
	tr.cueQueue = append(tr.cueQueue, &pendingCue{
		cue:     cue,
		id:      tr.nextCueID,
		startUs: cue.Timestamp,
		endUs:   cue.Timestamp + cue.Duration,
	})
	return nil
}

// flushCues drains the cue queue through the end of the last cue.
func (m *Muxer) flushCues(ctx context.Context, tr *Track) error {
	var limit int64
	for _, pending := range tr.cueQueue {
		if pending.endUs > limit {
			limit = pending.endUs
		}
	}
	return m.flushCueSamples(ctx, tr, limit)
}

// flushCueSamples emits subtitle samples covering [lastCueEnd, limit),
// with a sample boundary at every unique cue end inside the window.
func (m *Muxer) flushCueSamples(ctx context.Context, tr *Track, limit int64) error {
	for tr.lastCueEnd < limit {
		// Drop cues that ended at or before the cursor.
		active := tr.cueQueue[:0]
		for _, pending := range tr.cueQueue {
			if pending.endUs > tr.lastCueEnd {
				active = append(active, pending)
			}
		}
		tr.cueQueue = active

		boundary := limit
		for _, pending := range tr.cueQueue {
			if pending.endUs < boundary {
				boundary = pending.endUs
			}
		}

		var payload []byte
		var err error
		if len(tr.cueQueue) == 0 {
			payload, err = emptyCueSample()
		} else {
			payload, err = cueSample(tr.cueQueue, tr.lastCueEnd, boundary)
		}
		if err != nil {
			return fmt.Errorf("build cue sample: %w", err)
		}

		sample := media.EncodedSample{
			Data:      payload,
			Timestamp: tr.lastCueEnd,
			Duration:  boundary - tr.lastCueEnd,
			Key:       true,
		}
		tr.lastCueEnd = boundary
		if err := m.addSample(ctx, tr, sample); err != nil {
			return err
		}
	}
	return nil
}

// emptyCueSample is a vtte box, marking a stretch without cues.
func emptyCueSample() ([]byte, error) {
	boxes := mp4.Boxes{Box: &mp4.Container{Typ: mp4.TypeOf("vtte")}}
	return marshalSample(&boxes)
}

// cueSample packs every active cue into a vttc box run.
func cueSample(cues []*pendingCue, startUs, endUs int64) ([]byte, error) {
	var buf bytes.Buffer
	w := bitio.NewWriter(&buf)

	for _, pending := range cues {
		cue := pending.cue
		vttc := mp4.Boxes{Box: &mp4.Container{Typ: mp4.TypeOf("vttc")}}

		// A cue that extends beyond this sample needs a stable source
		// identity so readers can join the pieces back up.
		if pending.startUs < startUs || pending.endUs > endUs {
			vttc.Children = append(vttc.Children, mp4.Boxes{
				Box: &vsidBox{sourceID: pending.id},
			})
		}
		if cue.Identifier != "" {
			vttc.Children = append(vttc.Children, mp4.Boxes{
				Box: &mp4.TextBox{Typ: mp4.TypeOf("iden"), Text: cue.Identifier},
			})
		}
		if hasInlineTimestamps(cue.Text) {
			vttc.Children = append(vttc.Children, mp4.Boxes{
				Box: &mp4.TextBox{Typ: mp4.TypeOf("ctim"), Text: formatCueTime(pending.startUs)},
			})
		}
		if cue.Settings != "" {
			vttc.Children = append(vttc.Children, mp4.Boxes{
				Box: &mp4.TextBox{Typ: mp4.TypeOf("sttg"), Text: cue.Settings},
			})
		}
		vttc.Children = append(vttc.Children, mp4.Boxes{
			Box: &mp4.TextBox{Typ: mp4.TypeOf("payl"), Text: cue.Text},
		})
		if cue.Notes != "" {
			vttc.Children = append(vttc.Children, mp4.Boxes{
				Box: &mp4.TextBox{Typ: mp4.TypeOf("vtta"), Text: cue.Notes},
			})
		}

		if err := vttc.Marshal(w); err != nil {
			return nil, err
		}
	}

	if w.TryError != nil {
		return nil, w.TryError
	}
	return buf.Bytes(), nil
}

func marshalSample(boxes *mp4.Boxes) ([]byte, error) {
	var buf bytes.Buffer
	w := bitio.NewWriter(&buf)
	if err := boxes.Marshal(w); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// vsidBox carries the cue's cross-sample source identifier.
type vsidBox struct {
	sourceID int32
}

func (*vsidBox) Type() mp4.BoxType {
	return mp4.TypeOf("vsid")
}

func (*vsidBox) Size() int {
	return 4
}

func (b *vsidBox) Marshal(w *bitio.Writer) error {
	return w.WriteUint32(uint32(b.sourceID))
}

// hasInlineTimestamps detects "<hh:mm:ss.mmm>"-style timestamps inside
// cue text.
func hasInlineTimestamps(text string) bool {
	for i := 0; i+1 < len(text); i++ {
		if text[i] == '<' && text[i+1] >= '0' && text[i+1] <= '9' {
			return true
		}
	}
	return false
}

// formatCueTime renders a cue start as hh:mm:ss.mmm.
func formatCueTime(us int64) string {
	ms := us / 1000
	return fmt.Sprintf("%02d:%02d:%02d.%03d",
		ms/3600000, ms/60000%60, ms/1000%60, ms%1000)
}
