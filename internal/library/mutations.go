package library

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// RemoteWriter is the slice of the remote row store that mutations need.
type RemoteWriter interface {
	Insert(ctx context.Context, collection string, row json.RawMessage) error
	Update(ctx context.Context, collection, id string, row json.RawMessage) error
	Delete(ctx context.Context, collection, id string) error
	UpsertMany(ctx context.Context, collection string, rows []json.RawMessage) error
}

// AudioDeleter removes a recording's blob from whatever backend stored it.
type AudioDeleter interface {
	Delete(ctx context.Context, recordingID, audioURL string) bool
}

// RemotePhase says what happened to the remote half of a two-phase write.
type RemotePhase string

const (
	// RemoteApplied: the write reached the remote store directly.
	RemoteApplied RemotePhase = "applied"
	// RemoteQueued: the remote write failed or was unreachable; a pending op
	// will replay it.
	RemoteQueued RemotePhase = "queued"
	// RemoteSkipped: no remote store is configured.
	RemoteSkipped RemotePhase = "skipped"
)

// WriteOutcome reports both phases of a mutation: the local commit always
// succeeds before this is returned; Remote tells the caller whether the
// remote side is already consistent or deferred to the queue.
type WriteOutcome struct {
	Collection string
	Kind       OpKind
	EntityID   string
	Remote     RemotePhase
	QueuedOpID string
}

type deletePayload struct {
	ID string `json:"id"`
}

type LibraryOptions struct {
	Store         *Store
	Queue         *PendingQueue
	Remote        RemoteWriter
	Audio         AudioDeleter
	Logger        Logger
	RemoteTimeout time.Duration
}

// Library applies UI-driven mutations: optimistic synchronous commit to the
// local store, then a best-effort remote write that degrades to the pending
// queue.
type Library struct {
	store   *Store
	queue   *PendingQueue
	remote  RemoteWriter
	audio   AudioDeleter
	logger  Logger
	timeout time.Duration
}

func NewLibrary(opts LibraryOptions) (*Library, error) {
	if opts.Store == nil || opts.Queue == nil {
		return nil, ErrInvalidInput
	}
	logger := opts.Logger
	if logger == nil {
		logger = nopLogger{}
	}
	timeout := opts.RemoteTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Library{
		store:   opts.Store,
		queue:   opts.Queue,
		remote:  opts.Remote,
		audio:   opts.Audio,
		logger:  logger,
		timeout: timeout,
	}, nil
}

func (l *Library) Store() *Store { return l.store }

func (l *Library) AddBook(ctx context.Context, title, author, coverURL string) (Book, WriteOutcome, error) {
	if strings.TrimSpace(title) == "" {
		return Book{}, WriteOutcome{}, fmt.Errorf("%w: book title required", ErrInvalidInput)
	}
	book := Book{
		ID:        uuid.NewString(),
		Title:     title,
		Author:    author,
		CoverURL:  coverURL,
		CreatedAt: nowStamp(),
	}
	books := append(l.store.Books(), book)
	if err := l.store.SetBooks(books); err != nil {
		return Book{}, WriteOutcome{}, err
	}
	outcome := l.pushRemote(ctx, CollectionBooks, OpInsert, book.ID, book)
	return book, outcome, nil
}

func (l *Library) UpdateBook(ctx context.Context, book Book) (WriteOutcome, error) {
	if book.ID == "" {
		return WriteOutcome{}, ErrInvalidInput
	}
	books := l.store.Books()
	found := false
	for i := range books {
		if books[i].ID == book.ID {
			book.CreatedAt = nowStamp()
			books[i] = book
			found = true
			break
		}
	}
	if !found {
		return WriteOutcome{}, ErrNotFound
	}
	if err := l.store.SetBooks(books); err != nil {
		return WriteOutcome{}, err
	}
	return l.pushRemote(ctx, CollectionBooks, OpUpdate, book.ID, book), nil
}

// DeleteBook removes the book together with its chapters and their
// recordings, locally first, then remotely per row. Recording audio is
// deleted from the blob backend as part of the cascade.
func (l *Library) DeleteBook(ctx context.Context, bookID string) ([]WriteOutcome, error) {
	if bookID == "" {
		return nil, ErrInvalidInput
	}
	books := l.store.Books()
	kept := books[:0]
	found := false
	for _, b := range books {
		if b.ID == bookID {
			found = true
			continue
		}
		kept = append(kept, b)
	}
	if !found {
		return nil, ErrNotFound
	}

	doomedChapters := map[string]bool{}
	chapters := l.store.Chapters()
	keptChapters := chapters[:0]
	for _, c := range chapters {
		if c.BookID == bookID {
			doomedChapters[c.ID] = true
			continue
		}
		keptChapters = append(keptChapters, c)
	}

	var doomedRecordings []Recording
	recordings := l.store.Recordings()
	keptRecordings := recordings[:0]
	for _, r := range recordings {
		if doomedChapters[r.ChapterID] {
			doomedRecordings = append(doomedRecordings, r)
			continue
		}
		keptRecordings = append(keptRecordings, r)
	}

	if err := l.store.SetBooks(kept); err != nil {
		return nil, err
	}
	if err := l.store.SetChapters(keptChapters); err != nil {
		return nil, err
	}
	if err := l.store.SetRecordings(keptRecordings); err != nil {
		return nil, err
	}

	for _, r := range doomedRecordings {
		l.deleteAudio(ctx, r)
	}

	outcomes := make([]WriteOutcome, 0, 1+len(doomedChapters)+len(doomedRecordings))
	for _, r := range doomedRecordings {
		outcomes = append(outcomes, l.pushRemote(ctx, CollectionRecordings, OpDelete, r.ID, deletePayload{ID: r.ID}))
	}
	for chapterID := range doomedChapters {
		outcomes = append(outcomes, l.pushRemote(ctx, CollectionChapters, OpDelete, chapterID, deletePayload{ID: chapterID}))
	}
	outcomes = append(outcomes, l.pushRemote(ctx, CollectionBooks, OpDelete, bookID, deletePayload{ID: bookID}))
	return outcomes, nil
}

func (l *Library) AddChapter(ctx context.Context, bookID, title string, number int) (Chapter, WriteOutcome, error) {
	if bookID == "" || strings.TrimSpace(title) == "" {
		return Chapter{}, WriteOutcome{}, ErrInvalidInput
	}
	if number <= 0 {
		number = l.nextChapterNumber(bookID)
	}
	chapter := Chapter{
		ID:            uuid.NewString(),
		BookID:        bookID,
		ChapterNumber: number,
		Title:         title,
		CreatedAt:     nowStamp(),
	}
	chapters := append(l.store.Chapters(), chapter)
	if err := l.store.SetChapters(chapters); err != nil {
		return Chapter{}, WriteOutcome{}, err
	}
	outcome := l.pushRemote(ctx, CollectionChapters, OpInsert, chapter.ID, chapter)
	return chapter, outcome, nil
}

func (l *Library) UpdateChapter(ctx context.Context, chapter Chapter) (WriteOutcome, error) {
	if chapter.ID == "" {
		return WriteOutcome{}, ErrInvalidInput
	}
	chapters := l.store.Chapters()
	found := false
	for i := range chapters {
		if chapters[i].ID == chapter.ID {
			chapter.CreatedAt = nowStamp()
			chapters[i] = chapter
			found = true
			break
		}
	}
	if !found {
		return WriteOutcome{}, ErrNotFound
	}
	if err := l.store.SetChapters(chapters); err != nil {
		return WriteOutcome{}, err
	}
	return l.pushRemote(ctx, CollectionChapters, OpUpdate, chapter.ID, chapter), nil
}

func (l *Library) DeleteChapter(ctx context.Context, chapterID string) ([]WriteOutcome, error) {
	if chapterID == "" {
		return nil, ErrInvalidInput
	}
	chapters := l.store.Chapters()
	kept := chapters[:0]
	found := false
	for _, c := range chapters {
		if c.ID == chapterID {
			found = true
			continue
		}
		kept = append(kept, c)
	}
	if !found {
		return nil, ErrNotFound
	}

	var doomed []Recording
	recordings := l.store.Recordings()
	keptRecordings := recordings[:0]
	for _, r := range recordings {
		if r.ChapterID == chapterID {
			doomed = append(doomed, r)
			continue
		}
		keptRecordings = append(keptRecordings, r)
	}

	if err := l.store.SetChapters(kept); err != nil {
		return nil, err
	}
	if err := l.store.SetRecordings(keptRecordings); err != nil {
		return nil, err
	}

	outcomes := make([]WriteOutcome, 0, 1+len(doomed))
	for _, r := range doomed {
		l.deleteAudio(ctx, r)
		outcomes = append(outcomes, l.pushRemote(ctx, CollectionRecordings, OpDelete, r.ID, deletePayload{ID: r.ID}))
	}
	outcomes = append(outcomes, l.pushRemote(ctx, CollectionChapters, OpDelete, chapterID, deletePayload{ID: chapterID}))
	return outcomes, nil
}

// SwapChapters exchanges the chapter numbers of two chapters. Numbering is
// advisory ordering, not an enforced constraint, so this is the whole of
// "reorder".
func (l *Library) SwapChapters(ctx context.Context, firstID, secondID string) ([]WriteOutcome, error) {
	if firstID == "" || secondID == "" || firstID == secondID {
		return nil, ErrInvalidInput
	}
	chapters := l.store.Chapters()
	first, second := -1, -1
	for i := range chapters {
		switch chapters[i].ID {
		case firstID:
			first = i
		case secondID:
			second = i
		}
	}
	if first < 0 || second < 0 {
		return nil, ErrNotFound
	}
	chapters[first].ChapterNumber, chapters[second].ChapterNumber =
		chapters[second].ChapterNumber, chapters[first].ChapterNumber
	stamp := nowStamp()
	chapters[first].CreatedAt = stamp
	chapters[second].CreatedAt = stamp
	if err := l.store.SetChapters(chapters); err != nil {
		return nil, err
	}
	return []WriteOutcome{
		l.pushRemote(ctx, CollectionChapters, OpUpdate, chapters[first].ID, chapters[first]),
		l.pushRemote(ctx, CollectionChapters, OpUpdate, chapters[second].ID, chapters[second]),
	}, nil
}

// AddRecording stores a new recording for (chapter, reader). A reader gets at
// most one recording per chapter: a prior one is replaced outright, its audio
// deleted from the blob backend and its row removed, before the new row is
// inserted.
func (l *Library) AddRecording(ctx context.Context, chapterID, readerID, audioURL string, durationSeconds int) (Recording, []WriteOutcome, error) {
	if chapterID == "" || readerID == "" || audioURL == "" {
		return Recording{}, nil, ErrInvalidInput
	}
	recording := Recording{
		ID:              uuid.NewString(),
		ChapterID:       chapterID,
		ReaderID:        readerID,
		AudioURL:        audioURL,
		DurationSeconds: durationSeconds,
		CreatedAt:       nowStamp(),
	}

	var replaced *Recording
	recordings := l.store.Recordings()
	kept := recordings[:0]
	for _, r := range recordings {
		if r.ChapterID == chapterID && r.ReaderID == readerID {
			prior := r
			replaced = &prior
			continue
		}
		kept = append(kept, r)
	}
	kept = append(kept, recording)
	if err := l.store.SetRecordings(kept); err != nil {
		return Recording{}, nil, err
	}

	var outcomes []WriteOutcome
	if replaced != nil {
		l.deleteAudio(ctx, *replaced)
		outcomes = append(outcomes, l.pushRemote(ctx, CollectionRecordings, OpDelete, replaced.ID, deletePayload{ID: replaced.ID}))
	}
	outcomes = append(outcomes, l.pushRemote(ctx, CollectionRecordings, OpInsert, recording.ID, recording))
	return recording, outcomes, nil
}

func (l *Library) DeleteRecording(ctx context.Context, recordingID string) (WriteOutcome, error) {
	if recordingID == "" {
		return WriteOutcome{}, ErrInvalidInput
	}
	recordings := l.store.Recordings()
	kept := recordings[:0]
	var doomed *Recording
	for _, r := range recordings {
		if r.ID == recordingID {
			prior := r
			doomed = &prior
			continue
		}
		kept = append(kept, r)
	}
	if doomed == nil {
		return WriteOutcome{}, ErrNotFound
	}
	if err := l.store.SetRecordings(kept); err != nil {
		return WriteOutcome{}, err
	}
	l.deleteAudio(ctx, *doomed)
	return l.pushRemote(ctx, CollectionRecordings, OpDelete, recordingID, deletePayload{ID: recordingID}), nil
}

func (l *Library) AddUser(ctx context.Context, name, role, avatarURL string) (User, WriteOutcome, error) {
	if strings.TrimSpace(name) == "" {
		return User{}, WriteOutcome{}, ErrInvalidInput
	}
	switch role {
	case RoleAdmin, RoleReader, RoleListener:
	default:
		return User{}, WriteOutcome{}, fmt.Errorf("%w: unknown role %q", ErrInvalidInput, role)
	}
	user := User{
		ID:        uuid.NewString(),
		Name:      name,
		AvatarURL: avatarURL,
		Role:      role,
		CreatedAt: nowStamp(),
	}
	users := append(l.store.Users(), user)
	if err := l.store.SetUsers(users); err != nil {
		return User{}, WriteOutcome{}, err
	}
	outcome := l.pushRemote(ctx, CollectionUsers, OpInsert, user.ID, user)
	return user, outcome, nil
}

func (l *Library) UpdateUser(ctx context.Context, user User) (WriteOutcome, error) {
	if user.ID == "" {
		return WriteOutcome{}, ErrInvalidInput
	}
	users := l.store.Users()
	found := false
	for i := range users {
		if users[i].ID == user.ID {
			user.CreatedAt = nowStamp()
			users[i] = user
			found = true
			break
		}
	}
	if !found {
		return WriteOutcome{}, ErrNotFound
	}
	if err := l.store.SetUsers(users); err != nil {
		return WriteOutcome{}, err
	}
	return l.pushRemote(ctx, CollectionUsers, OpUpdate, user.ID, user), nil
}

func (l *Library) DeleteUser(ctx context.Context, userID string) (WriteOutcome, error) {
	if userID == "" {
		return WriteOutcome{}, ErrInvalidInput
	}
	users := l.store.Users()
	kept := users[:0]
	found := false
	for _, u := range users {
		if u.ID == userID {
			found = true
			continue
		}
		kept = append(kept, u)
	}
	if !found {
		return WriteOutcome{}, ErrNotFound
	}
	if err := l.store.SetUsers(kept); err != nil {
		return WriteOutcome{}, err
	}
	return l.pushRemote(ctx, CollectionUsers, OpDelete, userID, deletePayload{ID: userID}), nil
}

// SeedUsers upserts the pre-provisioned admin and reader profiles in one
// batch. Existing local users with the same id keep whichever side is newer
// at the next reconciliation; locally the seed wins immediately.
func (l *Library) SeedUsers(ctx context.Context, seed []User) (WriteOutcome, error) {
	if len(seed) == 0 {
		return WriteOutcome{}, ErrInvalidInput
	}
	users := l.store.Users()
	index := map[string]int{}
	for i, u := range users {
		index[u.ID] = i
	}
	for _, u := range seed {
		if u.ID == "" {
			u.ID = uuid.NewString()
		}
		if u.CreatedAt == "" {
			u.CreatedAt = nowStamp()
		}
		if at, ok := index[u.ID]; ok {
			users[at] = u
		} else {
			index[u.ID] = len(users)
			users = append(users, u)
		}
	}
	if err := l.store.SetUsers(users); err != nil {
		return WriteOutcome{}, err
	}
	rows := make([]json.RawMessage, 0, len(seed))
	for _, u := range seed {
		raw, err := json.Marshal(u)
		if err != nil {
			return WriteOutcome{}, err
		}
		rows = append(rows, raw)
	}
	return l.pushRemoteMany(ctx, CollectionUsers, OpUpsertMany, rows), nil
}

// CleanupOrphans is the maintenance pass standing in for referential
// integrity: chapters whose book is gone and recordings whose chapter is gone
// are removed from the local store. Returns (chapters, recordings) removed.
func (l *Library) CleanupOrphans(ctx context.Context) (int, int) {
	books := map[string]bool{}
	for _, b := range l.store.Books() {
		books[b.ID] = true
	}

	chapters := l.store.Chapters()
	keptChapters := chapters[:0]
	liveChapters := map[string]bool{}
	orphanedChapters := 0
	for _, c := range chapters {
		if !books[c.BookID] {
			orphanedChapters++
			continue
		}
		liveChapters[c.ID] = true
		keptChapters = append(keptChapters, c)
	}

	recordings := l.store.Recordings()
	keptRecordings := recordings[:0]
	orphanedRecordings := 0
	for _, r := range recordings {
		if !liveChapters[r.ChapterID] {
			orphanedRecordings++
			l.deleteAudio(ctx, r)
			continue
		}
		keptRecordings = append(keptRecordings, r)
	}

	if orphanedChapters > 0 {
		if err := l.store.SetChapters(keptChapters); err != nil {
			l.logger.Error("orphan cleanup persist failed", "err", err)
		}
	}
	if orphanedRecordings > 0 {
		if err := l.store.SetRecordings(keptRecordings); err != nil {
			l.logger.Error("orphan cleanup persist failed", "err", err)
		}
	}
	return orphanedChapters, orphanedRecordings
}

func (l *Library) nextChapterNumber(bookID string) int {
	next := 1
	for _, c := range l.store.Chapters() {
		if c.BookID == bookID && c.ChapterNumber >= next {
			next = c.ChapterNumber + 1
		}
	}
	return next
}

func (l *Library) deleteAudio(ctx context.Context, r Recording) {
	if l.audio == nil {
		return
	}
	if !l.audio.Delete(ctx, r.ID, r.AudioURL) {
		l.logger.Warn("audio blob delete failed", "recording", r.ID)
	}
}

func (l *Library) pushRemote(ctx context.Context, collection string, kind OpKind, id string, payload any) WriteOutcome {
	outcome := WriteOutcome{Collection: collection, Kind: kind, EntityID: id}
	raw, err := json.Marshal(payload)
	if err != nil {
		l.logger.Error("unserializable remote payload", "collection", collection, "err", err)
		outcome.Remote = RemoteSkipped
		return outcome
	}
	if l.remote == nil {
		outcome.Remote = RemoteSkipped
		return outcome
	}
	callCtx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()
	switch kind {
	case OpInsert:
		err = l.remote.Insert(callCtx, collection, raw)
	case OpUpdate:
		err = l.remote.Update(callCtx, collection, id, raw)
	case OpDelete:
		err = l.remote.Delete(callCtx, collection, id)
	default:
		err = fmt.Errorf("%w: op kind %s", ErrInvalidInput, kind)
	}
	if err == nil {
		outcome.Remote = RemoteApplied
		return outcome
	}
	l.logger.Warn("remote write failed, queueing", "collection", collection, "kind", kind, "id", id, "err", err)
	op, qErr := l.queue.Enqueue(collection, kind, json.RawMessage(raw))
	if qErr != nil {
		l.logger.Error("pending enqueue failed, write is local-only until next full sync", "collection", collection, "id", id, "err", qErr)
		outcome.Remote = RemoteSkipped
		return outcome
	}
	outcome.Remote = RemoteQueued
	outcome.QueuedOpID = op.ID
	return outcome
}

func (l *Library) pushRemoteMany(ctx context.Context, collection string, kind OpKind, rows []json.RawMessage) WriteOutcome {
	outcome := WriteOutcome{Collection: collection, Kind: kind}
	if l.remote == nil {
		outcome.Remote = RemoteSkipped
		return outcome
	}
	callCtx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()
	err := l.remote.UpsertMany(callCtx, collection, rows)
	if err == nil {
		outcome.Remote = RemoteApplied
		return outcome
	}
	l.logger.Warn("remote batch write failed, queueing", "collection", collection, "kind", kind, "err", err)
	payload, mErr := json.Marshal(rows)
	if mErr != nil {
		outcome.Remote = RemoteSkipped
		return outcome
	}
	op, qErr := l.queue.Enqueue(collection, kind, json.RawMessage(payload))
	if qErr != nil {
		l.logger.Error("pending enqueue failed", "collection", collection, "err", qErr)
		outcome.Remote = RemoteSkipped
		return outcome
	}
	outcome.Remote = RemoteQueued
	outcome.QueuedOpID = op.ID
	return outcome
}
