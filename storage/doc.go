/*
Package storage implements sealed, encrypted-at-rest persistence for the
enclave and the off-host mirrors that replicate its ciphertext.

# SealedStore

SealedStore addresses blobs by a path relative to its root directory:

  - Seal creates missing parent directories, copies any existing blob to
    path+".1", then writes the new blob atomically. A failed backup copy is
    logged and counted but never blocks the write.
  - Unseal reads and authenticates a blob. A missing blob yields
    ErrSealedNotFound, a blob that fails authentication ErrSealAuthentication;
    both wrap interfaces.ErrStorageIo.
  - Operations on the same path are serialised by a per-path mutex.

Blobs are sealed with AES-256-GCM. The key is derived with HKDF-SHA256 from
the enclave seal secret, separately for the root and for every shard, and
the relative path is bound as additional data. ForShard returns a view rooted
at shards/<hex(shard)>, so two shards never share a path or a key.

# Mirrors

A SealedStore configured WithMirror pushes every sealed ciphertext to a
MirrorBackend after writing it locally. Mirrors only ever see ciphertext and
are content addressed by the SHA-256 of the blob:

  - FileMirror: second local or network filesystem
  - BadgerMirror: local Badger database
  - S3Mirror: S3 or compatible object storage
  - VaultMirror: HashiCorp Vault KV v2
  - IPFSMirror: IPFS node MFS
  - MultiMirror: stores to every available mirror, fetches the first hit

MirrorFactory builds mirrors from URIs:

	file:///var/lib/worker-mirror
	badger:///var/lib/worker-mirror-db
	s3://ACCESS:SECRET@bucket/prefix?region=eu-west-1
	vault://vault.internal:8200/secret/worker?token=...
	ipfs://127.0.0.1:5001/worker

Every successful push also seals the blob id under path+".mirror".
UnsealOrRestore reads that index when the local blob is missing or fails
authentication, and Restore pulls the ciphertext back by id, checks it
unseals for the requested path and re-seals it locally.
*/
package storage
