package imap

import (
	"sync"

	log "github.com/sirupsen/logrus"
)

// workerClientSet holds the worker connections.
// Its semaphore caps how many are in use at once.
type workerClientSet struct {
	clients   []*conn
	semaphore chan struct{}
	mu        sync.Mutex
}

func newWorkerClientSet(maxWorkers int) *workerClientSet {
	return &workerClientSet{
		clients:   make([]*conn, 0, maxWorkers),
		semaphore: make(chan struct{}, maxWorkers),
	}
}

// acquire takes a semaphore slot, blocking while all slots are in use, and
// returns a free client with its lock held. When no idle client exists the
// returned client is nil and the caller keeps the slot to dial a new one.
// The release function frees both the client lock and the slot.
func (s *workerClientSet) acquire() (*conn, func()) {
	s.semaphore <- struct{}{}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, client := range s.clients {
		if client.TryLock() {
			return client, func() {
				client.Unlock()
				<-s.semaphore
			}
		}
	}

	return nil, func() {
		<-s.semaphore
	}
}

func (s *workerClientSet) addClient(client *conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients = append(s.clients, client)
}

// remove drops client from the set and logs it out. The caller must hold
// the client lock.
func (s *workerClientSet) remove(client *conn) {
	s.mu.Lock()
	for i, c := range s.clients {
		if c == client {
			s.clients = append(s.clients[:i], s.clients[i+1:]...)
			break
		}
	}
	s.mu.Unlock()

	_ = client.logout()
}

func (s *workerClientSet) size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// close logs out every client. Clients in use are logged out without their
// lock, which makes their current command fail.
func (s *workerClientSet) close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, client := range s.clients {
		if client.TryLock() {
			if err := client.logout(); err != nil {
				log.Printf("IMAP pool: failed to logout worker client: %v", err)
			}
			client.Unlock()
		} else {
			_ = client.logout()
		}
	}
	s.clients = nil
}
