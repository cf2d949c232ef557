package docsync

// one consistent round of watch results, produced by the aggregator at a
// snapshot boundary and applied atomically to the local store
type RemoteEvent struct {
	SnapshotVersion SnapshotVersion
	// per target membership and resume state for this round
	TargetChanges map[int32]TargetChangeSet
	// targets whose cached membership the server contradicted, keyed to
	// the purpose they must be re-listened with
	TargetMismatches map[int32]TargetPurpose
	// authoritative document states reported this round
	DocumentUpdates map[DocumentKey]Document
	// limbo documents whose true state was resolved this round
	ResolvedLimboDocuments DocumentKeySet
}

type TargetChangeSet struct {
	ResumeToken []byte
	// the server has sent everything matching the target up to the
	// snapshot version
	Current           bool
	AddedDocuments    DocumentKeySet
	ModifiedDocuments DocumentKeySet
	RemovedDocuments  DocumentKeySet
}

func newTargetChangeSet() TargetChangeSet {
	return TargetChangeSet{
		AddedDocuments:    NewDocumentKeySet(),
		ModifiedDocuments: NewDocumentKeySet(),
		RemovedDocuments:  NewDocumentKeySet(),
	}
}
