package inbox

import (
	"slices"
	"sync"

	"github.com/nao1215/perfhub/pkg/event"
)

// Capacity はStoreが保持する通知の上限。
const Capacity = 10

// Store は新しい順に並んだ通知の有界キャッシュ。
// 書き込みは読み取りに対して原子的で、購読者には変更のたびにスナップショットが届く。
type Store struct {
	mu       sync.RWMutex
	records  []event.Record
	subs     map[int]chan []event.Record
	nextSub  int
	capacity int
	closed   bool
}

// StoreOption はStoreの設定を変更する。
type StoreOption func(*Store)

// WithCapacity は上限件数を変更する。テスト用。
func WithCapacity(n int) StoreOption {
	return func(s *Store) {
		if n > 0 {
			s.capacity = n
		}
	}
}

// NewStore は空のStoreを生成する。
func NewStore(opts ...StoreOption) *Store {
	s := &Store{
		subs:     make(map[int]chan []event.Record),
		capacity: Capacity,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Add は通知を先頭に追加する。上限を超えた分は末尾から捨てる。
// 同じIDが既にあれば古いものを取り除いてから先頭に置く。
func (s *Store) Add(rec event.Record) {
	s.mutate(func(cur []event.Record) []event.Record {
		next := make([]event.Record, 0, len(cur)+1)
		next = append(next, rec)
		for _, r := range cur {
			if r.ID != rec.ID {
				next = append(next, r)
			}
		}
		return next
	})
}

// ReplaceAll は内容をrecsで置き換える。
func (s *Store) ReplaceAll(recs []event.Record) {
	s.mutate(func([]event.Record) []event.Record {
		return slices.Clone(recs)
	})
}

// Update は現在の内容をfで変換した結果に置き換える。
// fに渡されるスライスはコピーなので自由に変更してよい。
func (s *Store) Update(f func([]event.Record) []event.Record) {
	s.mutate(f)
}

// Remove はIDが一致する通知を取り除き、取り除いたかを返す。
func (s *Store) Remove(id string) bool {
	removed := false
	s.mutate(func(cur []event.Record) []event.Record {
		next := slices.DeleteFunc(cur, func(r event.Record) bool { return r.ID == id })
		removed = len(next) != len(cur)
		return next
	})
	return removed
}

// Snapshot は現在の内容のコピーを返す。
func (s *Store) Snapshot() []event.Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.records)
}

// Get はIDが一致する通知を返す。
func (s *Store) Get(id string) (event.Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, r := range s.records {
		if r.ID == id {
			return r, true
		}
	}
	return event.Record{}, false
}

// Len は保持している件数を返す。
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// Subscribe は変更通知のチャネルと解除関数を返す。
// チャネルには購読直後に現在の内容が1回届く。受信が遅れた場合は最新のスナップショットだけが残る。
func (s *Store) Subscribe() (<-chan []event.Record, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch := make(chan []event.Record, 1)
	if s.closed {
		close(ch)
		return ch, func() {}
	}

	id := s.nextSub
	s.nextSub++
	s.subs[id] = ch
	ch <- slices.Clone(s.records)

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			if c, ok := s.subs[id]; ok {
				delete(s.subs, id)
				close(c)
			}
		})
	}
}

// Close は購読をすべて閉じる。以降の変更は無視される。
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for id, ch := range s.subs {
		delete(s.subs, id)
		close(ch)
	}
}

// Closed はCloseされたかを返す。
func (s *Store) Closed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

// mutate は変換を適用し、不変条件を保ってから購読者に配信する。
func (s *Store) mutate(f func([]event.Record) []event.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	s.records = normalize(f(slices.Clone(s.records)), s.capacity)
	for _, ch := range s.subs {
		publish(ch, slices.Clone(s.records))
	}
}

// normalize はIDの重複を先勝ちで除き、上限件数に切り詰める。
func normalize(recs []event.Record, capacity int) []event.Record {
	seen := make(map[string]struct{}, len(recs))
	out := make([]event.Record, 0, min(len(recs), capacity))
	for _, r := range recs {
		if _, dup := seen[r.ID]; dup {
			continue
		}
		seen[r.ID] = struct{}{}
		out = append(out, r)
		if len(out) == capacity {
			break
		}
	}
	return out
}

// publish は古い未受信の値を捨ててから最新値を送る。
func publish(ch chan []event.Record, snap []event.Record) {
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- snap:
	default:
	}
}
