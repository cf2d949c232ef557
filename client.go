package docsync

import (
	"context"
	"io"

	"github.com/golang/glog"
)

type ClientSettings struct {
	DatabaseId  DatabaseId
	LocalStore  *LocalStoreSettings
	RemoteStore *RemoteStoreSettings
	SyncEngine  *SyncEngineSettings
}

func DefaultClientSettings(databaseId DatabaseId) *ClientSettings {
	return &ClientSettings{
		DatabaseId:  databaseId,
		LocalStore:  DefaultLocalStoreSettings(),
		RemoteStore: DefaultRemoteStoreSettings(),
		SyncEngine:  DefaultSyncEngineSettings(),
	}
}

// assembles the engine over a persistence, a transport, and a
// credentials provider. All public methods are safe to call from any
// goroutine; internally everything funnels through one async queue.
type Client struct {
	ctx      context.Context
	cancel   context.CancelFunc
	settings *ClientSettings

	queue       *AsyncQueue
	persistence Persistence
	credentials CredentialsProvider

	localStore   *LocalStore
	remoteStore  *RemoteStore
	syncEngine   *SyncEngine
	eventManager *EventManager
}

func NewClient(
	ctx context.Context,
	settings *ClientSettings,
	persistence Persistence,
	connection Connection,
	credentials CredentialsProvider,
) *Client {
	cancelCtx, cancel := context.WithCancel(ctx)
	client := &Client{
		ctx:         cancelCtx,
		cancel:      cancel,
		settings:    settings,
		queue:       NewAsyncQueue(cancelCtx),
		persistence: persistence,
		credentials: credentials,
	}

	// the listener fires synchronously with the current user, which
	// initializes the component graph before any operation can run
	initialized := false
	credentials.SetChangeListener(func(user User) {
		if !initialized {
			initialized = true
			client.initialize(user, connection)
			return
		}
		client.queue.EnqueueAndForget(func() {
			if err := client.syncEngine.HandleCredentialChange(user); err != nil {
				glog.Infof("[client]credential change: %s\n", err)
			}
		})
	})

	client.queue.EnqueueAndForget(func() {
		client.remoteStore.EnableNetwork()
	})
	return client
}

func (self *Client) initialize(user User, connection Connection) {
	self.localStore = NewLocalStore(self.persistence, user, self.settings.LocalStore)
	datastore := NewDatastore(self.settings.DatabaseId, connection, self.credentials)
	self.remoteStore = NewRemoteStore(self.ctx, self.settings.RemoteStore, self.localStore, datastore, self.queue)
	self.syncEngine = NewSyncEngine(self.ctx, self.settings.SyncEngine, self.localStore, self.remoteStore, nil, user)
	self.eventManager = NewEventManager(self.syncEngine)
	self.syncEngine.listener = self.eventManager
	self.remoteStore.SetSyncer(self.syncEngine)
}

// subscribes to a query. The handler runs on the engine queue with the
// initial snapshot from cache and every subsequent change.
func (self *Client) Listen(query Query, options ListenOptions, handler SnapshotHandler) (*QueryListener, error) {
	listener := NewQueryListener(query, options, handler)
	out := make(chan error, 1)
	if err := self.queue.Enqueue(func() {
		out <- self.eventManager.AddQueryListener(listener)
	}); err != nil {
		return nil, ErrClientShutdown
	}
	if err := <-out; err != nil {
		return nil, err
	}
	return listener, nil
}

func (self *Client) Unlisten(listener *QueryListener) error {
	out := make(chan error, 1)
	if err := self.queue.Enqueue(func() {
		out <- self.eventManager.RemoveQueryListener(listener)
	}); err != nil {
		return ErrClientShutdown
	}
	return <-out
}

// accepts the mutations locally and returns a channel that reports the
// server's eventual acknowledgment or rejection. An error return means
// even the local write failed.
func (self *Client) Write(mutations []Mutation) (<-chan error, error) {
	type writeResult struct {
		ack <-chan error
		err error
	}
	out := make(chan writeResult, 1)
	if err := self.queue.Enqueue(func() {
		ack, err := self.syncEngine.Write(mutations)
		out <- writeResult{ack: ack, err: err}
	}); err != nil {
		return nil, ErrClientShutdown
	}
	result := <-out
	return result.ack, result.err
}

func (self *Client) GetDocument(ctx context.Context, key DocumentKey) (Document, error) {
	type getResult struct {
		doc Document
		err error
	}
	out := make(chan getResult, 1)
	if err := self.queue.Enqueue(func() {
		doc, err := self.localStore.GetDocument(ctx, key)
		out <- getResult{doc: doc, err: err}
	}); err != nil {
		return Document{}, ErrClientShutdown
	}
	select {
	case result := <-out:
		return result.doc, result.err
	case <-ctx.Done():
		return Document{}, ctx.Err()
	}
}

// one-shot query against the local view
func (self *Client) GetDocumentsMatchingQuery(ctx context.Context, query Query) ([]Document, error) {
	type queryResult struct {
		docs []Document
		err  error
	}
	out := make(chan queryResult, 1)
	if err := self.queue.Enqueue(func() {
		result, err := self.localStore.ExecuteQuery(ctx, query, true)
		if err != nil {
			out <- queryResult{err: err}
			return
		}
		docs := NewDocumentSet(query.Comparator())
		for _, doc := range result.Documents {
			if doc.IsFoundDocument() {
				docs = docs.Add(doc)
			}
		}
		out <- queryResult{docs: docs.Docs()}
	}); err != nil {
		return nil, ErrClientShutdown
	}
	select {
	case result := <-out:
		return result.docs, result.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (self *Client) WaitForPendingWrites(ctx context.Context) error {
	out := make(chan (<-chan error), 1)
	if err := self.queue.Enqueue(func() {
		out <- self.syncEngine.WaitForPendingWrites()
	}); err != nil {
		return ErrClientShutdown
	}
	done := <-out
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (self *Client) LoadBundle(r io.Reader) error {
	reader := NewBundleReader(r, NewSerializer(self.settings.DatabaseId))
	out := make(chan error, 1)
	if err := self.queue.Enqueue(func() {
		out <- self.syncEngine.LoadBundle(reader)
	}); err != nil {
		return ErrClientShutdown
	}
	return <-out
}

func (self *Client) GetNamedQuery(name string) (*NamedQuery, error) {
	type namedQueryResult struct {
		namedQuery *NamedQuery
		err        error
	}
	out := make(chan namedQueryResult, 1)
	if err := self.queue.Enqueue(func() {
		namedQuery, err := self.syncEngine.GetNamedQuery(name)
		out <- namedQueryResult{namedQuery: namedQuery, err: err}
	}); err != nil {
		return nil, ErrClientShutdown
	}
	result := <-out
	return result.namedQuery, result.err
}

func (self *Client) EnableNetwork() error {
	out := make(chan struct{})
	if err := self.queue.Enqueue(func() {
		self.remoteStore.EnableNetwork()
		close(out)
	}); err != nil {
		return ErrClientShutdown
	}
	<-out
	return nil
}

func (self *Client) DisableNetwork() error {
	out := make(chan struct{})
	if err := self.queue.Enqueue(func() {
		self.remoteStore.DisableNetwork()
		close(out)
	}); err != nil {
		return ErrClientShutdown
	}
	<-out
	return nil
}

func (self *Client) Shutdown() error {
	out := make(chan error, 1)
	if err := self.queue.Enqueue(func() {
		self.remoteStore.Shutdown()
		out <- self.persistence.Close()
	}); err != nil {
		return ErrClientShutdown
	}
	err := <-out
	self.queue.Shutdown()
	self.cancel()
	return err
}
