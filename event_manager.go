package docsync

type ListenOptions struct {
	// also raise snapshots whose only change is pending-write or cache
	// state
	IncludeMetadataChanges bool
	// hold the initial event until the server result arrives, unless the
	// client is offline
	WaitForSyncWhenOnline bool
}

// receives snapshots for one query subscription. The handler runs on the
// engine's async queue and must not block.
type SnapshotHandler func(snapshot *ViewSnapshot, err error)

type QueryListener struct {
	query   Query
	options ListenOptions
	handler SnapshotHandler

	raisedInitialEvent bool
	lastSnapshot       *ViewSnapshot
	onlineState        OnlineState
}

func NewQueryListener(query Query, options ListenOptions, handler SnapshotHandler) *QueryListener {
	return &QueryListener{
		query:   query,
		options: options,
		handler: handler,
	}
}

func (self *QueryListener) onViewSnapshot(snapshot ViewSnapshot) bool {
	if !self.raisedInitialEvent {
		if self.shouldRaiseInitialEvent(snapshot) {
			self.raiseInitialEvent(snapshot)
			return true
		}
		self.lastSnapshot = &snapshot
		return false
	}
	if self.shouldRaiseEvent(snapshot) {
		self.lastSnapshot = &snapshot
		self.handler(&snapshot, nil)
		return true
	}
	self.lastSnapshot = &snapshot
	return false
}

func (self *QueryListener) onError(err error) {
	self.handler(nil, err)
}

func (self *QueryListener) applyOnlineStateChange(onlineState OnlineState) bool {
	self.onlineState = onlineState
	if self.lastSnapshot != nil && !self.raisedInitialEvent && self.shouldRaiseInitialEvent(*self.lastSnapshot) {
		self.raiseInitialEvent(*self.lastSnapshot)
		return true
	}
	return false
}

// always raise immediately from cache unless the caller asked to wait
// for the server, in which case only a current snapshot or a confirmed
// offline state releases it
func (self *QueryListener) shouldRaiseInitialEvent(snapshot ViewSnapshot) bool {
	if !self.options.WaitForSyncWhenOnline {
		return true
	}
	return !snapshot.FromCache || self.onlineState == OnlineStateOffline
}

func (self *QueryListener) shouldRaiseEvent(snapshot ViewSnapshot) bool {
	if 0 < len(snapshot.DocChanges) {
		if !self.options.IncludeMetadataChanges {
			for _, change := range snapshot.DocChanges {
				if change.Type != DocumentChangeTypeMetadata {
					return true
				}
			}
			return snapshot.SyncStateChanged
		}
		return true
	}
	return snapshot.SyncStateChanged || self.options.IncludeMetadataChanges
}

func (self *QueryListener) raiseInitialEvent(snapshot ViewSnapshot) {
	// the first event always looks like everything was just added
	initial := ViewSnapshot{
		Query:            snapshot.Query,
		Documents:        snapshot.Documents,
		OldDocuments:     NewDocumentSet(snapshot.Query.Comparator()),
		FromCache:        snapshot.FromCache,
		HasPendingWrites: snapshot.HasPendingWrites,
		SyncStateChanged: true,
	}
	for _, doc := range snapshot.Documents.docs {
		initial.DocChanges = append(initial.DocChanges, DocumentViewChange{
			Type: DocumentChangeTypeAdded,
			Doc:  doc,
		})
	}
	self.raisedInitialEvent = true
	self.lastSnapshot = &snapshot
	self.handler(&initial, nil)
}

type queryListenersInfo struct {
	listeners    []*QueryListener
	lastSnapshot *ViewSnapshot
}

// fans sync engine snapshots out to listeners and reference counts
// server listens: identical queries share one target, and the target is
// released when the last listener goes away
type EventManager struct {
	syncEngine *SyncEngine

	queries     map[string]*queryListenersInfo
	onlineState OnlineState
}

func NewEventManager(syncEngine *SyncEngine) *EventManager {
	return &EventManager{
		syncEngine: syncEngine,
		queries:    map[string]*queryListenersInfo{},
	}
}

func (self *EventManager) AddQueryListener(listener *QueryListener) error {
	canonicalId := listener.query.CanonicalId()
	info, firstListen := self.queries[canonicalId], false
	if info == nil {
		firstListen = true
		info = &queryListenersInfo{}
		self.queries[canonicalId] = info
	}
	info.listeners = append(info.listeners, listener)

	listener.applyOnlineStateChange(self.onlineState)
	if firstListen {
		snapshot, err := self.syncEngine.Listen(listener.query)
		if err != nil {
			delete(self.queries, canonicalId)
			return err
		}
		if snapshot != nil {
			info.lastSnapshot = snapshot
			listener.onViewSnapshot(*snapshot)
		}
	} else if info.lastSnapshot != nil {
		listener.onViewSnapshot(*info.lastSnapshot)
	}
	return nil
}

func (self *EventManager) RemoveQueryListener(listener *QueryListener) error {
	canonicalId := listener.query.CanonicalId()
	info, ok := self.queries[canonicalId]
	if !ok {
		return nil
	}
	remaining := []*QueryListener{}
	for _, l := range info.listeners {
		if l != listener {
			remaining = append(remaining, l)
		}
	}
	info.listeners = remaining
	if len(remaining) == 0 {
		delete(self.queries, canonicalId)
		return self.syncEngine.Unlisten(listener.query)
	}
	return nil
}

// syncEngineListener

func (self *EventManager) onViewSnapshots(snapshots []ViewSnapshot) {
	for _, snapshot := range snapshots {
		info, ok := self.queries[snapshot.Query.CanonicalId()]
		if !ok {
			continue
		}
		info.lastSnapshot = &snapshot
		for _, listener := range info.listeners {
			listener.onViewSnapshot(snapshot)
		}
	}
}

func (self *EventManager) onListenError(query Query, err error) {
	info, ok := self.queries[query.CanonicalId()]
	if !ok {
		return
	}
	delete(self.queries, query.CanonicalId())
	for _, listener := range info.listeners {
		listener.onError(err)
	}
}

func (self *EventManager) onOnlineStateChange(state OnlineState) {
	self.onlineState = state
	for _, info := range self.queries {
		for _, listener := range info.listeners {
			listener.applyOnlineStateChange(state)
		}
	}
}
