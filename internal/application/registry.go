package application

import (
	"sort"
	"sync"

	"github.com/davarch/buildcast/internal/domain"
)

// Registry tracks live connections and their repository subscriptions.
// subs indexes repository -> connection ids, repos is the reverse index
// so Unregister can purge a connection from every repository at once.
type Registry struct {
	mu    sync.RWMutex
	peers map[string]domain.Peer
	subs  map[string]map[string]struct{}
	repos map[string]map[string]struct{}
}

func NewRegistry() *Registry {
	return &Registry{
		peers: make(map[string]domain.Peer),
		subs:  make(map[string]map[string]struct{}),
		repos: make(map[string]map[string]struct{}),
	}
}

func (r *Registry) Register(p domain.Peer) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.peers[p.ID()] = p
	if _, ok := r.repos[p.ID()]; !ok {
		r.repos[p.ID()] = make(map[string]struct{})
	}
}

func (r *Registry) Unregister(id string) (domain.Peer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.peers[id]
	if !ok {
		return nil, false
	}

	for repo := range r.repos[id] {
		r.removeSub(repo, id)
	}
	delete(r.repos, id)
	delete(r.peers, id)
	return p, true
}

// Subscribe reports whether the subscription was added. Subscribing an
// unknown connection or subscribing twice changes nothing.
func (r *Registry) Subscribe(id, repo string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	repos, ok := r.repos[id]
	if !ok {
		return false
	}
	if _, dup := repos[repo]; dup {
		return false
	}

	repos[repo] = struct{}{}
	set, ok := r.subs[repo]
	if !ok {
		set = make(map[string]struct{})
		r.subs[repo] = set
	}
	set[id] = struct{}{}
	return true
}

func (r *Registry) Unsubscribe(id, repo string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	repos, ok := r.repos[id]
	if !ok {
		return false
	}
	if _, ok := repos[repo]; !ok {
		return false
	}

	delete(repos, repo)
	r.removeSub(repo, id)
	return true
}

func (r *Registry) SubscribersOf(repo string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.subs[repo]))
	for id := range r.subs[repo] {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Subscribers returns a consistent snapshot of the peers subscribed to repo.
func (r *Registry) Subscribers(repo string) []domain.Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]domain.Peer, 0, len(r.subs[repo]))
	for id := range r.subs[repo] {
		out = append(out, r.peers[id])
	}
	return out
}

func (r *Registry) Subscriptions(id string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.repos[id]))
	for repo := range r.repos[id] {
		out = append(out, repo)
	}
	sort.Strings(out)
	return out
}

func (r *Registry) Peers() []domain.Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]domain.Peer, 0, len(r.peers))
	for _, p := range r.peers {
		out = append(out, p)
	}
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}

// removeSub must be called with mu held.
func (r *Registry) removeSub(repo, id string) {
	set := r.subs[repo]
	delete(set, id)
	if len(set) == 0 {
		delete(r.subs, repo)
	}
}
