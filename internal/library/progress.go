package library

import (
	"strings"
)

const progressKeyPrefix = "progress/"

func progressKey(listenerID, chapterID string) string {
	return progressKeyPrefix + listenerID + "/" + chapterID
}

// legacyProgressKey is the pre-listener ("global") key shape. These records
// predate per-listener namespacing and are claimed by the first listener who
// opens a Progress view.
func legacyProgressKey(chapterID string) string {
	return progressKeyPrefix + chapterID
}

// Progress tracks per-chapter playback for one active listener. The listener
// identity is fixed at construction; switching listeners means constructing a
// new Progress, never rebinding this one, so one listener's position can
// never leak into another's.
type Progress struct {
	store      *Store
	listenerID string
}

func NewProgress(store *Store, listenerID string) (*Progress, error) {
	if store == nil || strings.TrimSpace(listenerID) == "" {
		return nil, ErrInvalidInput
	}
	p := &Progress{store: store, listenerID: listenerID}
	p.claimLegacyProgress()
	return p, nil
}

// claimLegacyProgress moves ungrouped progress records under this listener.
// A chapter this listener already has progress for keeps the listener's own
// record; the legacy one is discarded either way, so the migration happens
// exactly once across all listeners.
func (p *Progress) claimLegacyProgress() {
	for _, key := range p.store.Keys(progressKeyPrefix) {
		rest := strings.TrimPrefix(key, progressKeyPrefix)
		if strings.Contains(rest, "/") {
			continue // already listener-scoped
		}
		chapterID := rest
		legacy := Load(p.store, key, ChapterProgress{})
		scoped := progressKey(p.listenerID, chapterID)
		if !p.store.Has(scoped) && legacy.ChapterID != "" {
			if err := Save(p.store, scoped, legacy); err != nil {
				p.store.logger.Warn("legacy progress migration skipped", "chapter", chapterID, "err", err)
				continue
			}
		}
		p.store.Delete(key)
	}
}

// Save records playback position for a chapter. Completion is derived, not
// caller-supplied: finished means within the tail tolerance of the end.
func (p *Progress) Save(chapterID, recordingID string, positionSeconds, durationSeconds int) (ChapterProgress, error) {
	if chapterID == "" {
		return ChapterProgress{}, ErrInvalidInput
	}
	if positionSeconds < 0 {
		positionSeconds = 0
	}
	existing, _ := p.Get(chapterID)
	if durationSeconds <= 0 {
		durationSeconds = existing.DurationSeconds
	}
	record := ChapterProgress{
		ChapterID:       chapterID,
		RecordingID:     recordingID,
		PositionSeconds: positionSeconds,
		DurationSeconds: durationSeconds,
		Completed:       completed(positionSeconds, durationSeconds),
		LastPlayedAt:    nowStamp(),
	}
	if record.RecordingID == "" {
		record.RecordingID = existing.RecordingID
	}
	if err := Save(p.store, progressKey(p.listenerID, chapterID), record); err != nil {
		return ChapterProgress{}, err
	}
	return record, nil
}

func (p *Progress) Get(chapterID string) (ChapterProgress, bool) {
	key := progressKey(p.listenerID, chapterID)
	if !p.store.Has(key) {
		return ChapterProgress{}, false
	}
	return Load(p.store, key, ChapterProgress{}), true
}

func (p *Progress) All() map[string]ChapterProgress {
	prefix := progressKeyPrefix + p.listenerID + "/"
	out := map[string]ChapterProgress{}
	for _, key := range p.store.Keys(prefix) {
		chapterID := strings.TrimPrefix(key, prefix)
		out[chapterID] = Load(p.store, key, ChapterProgress{})
	}
	return out
}

func (p *Progress) Clear(chapterID string) {
	p.store.Delete(progressKey(p.listenerID, chapterID))
}
