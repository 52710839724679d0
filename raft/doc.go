// Package raft orders broker commands across a cluster of replicas.
//
// A Node runs leader election and log replication over a Transport and
// feeds committed entries, in index order, to a StateMachine. Only the
// leader accepts proposals; followers answer with a *quorum.NotLeaderError
// naming the leader they know of.
//
// An entry is committed once a majority of replicas store it and it belongs
// to the leader's current term. Entries of earlier terms commit indirectly,
// which is why every new leader appends a no-op entry first.
//
// Every replica snapshots its state machine after SnapshotThreshold applied
// entries and discards the covered log prefix. A follower that has fallen
// behind the leader's snapshot receives it through InstallSnapshot.
package raft
