// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package cryptcompress is the logical-cluster engine of a compressing,
// encrypting file store.
//
// A file's byte stream is cut into fixed-size logical clusters. Each
// cluster lives in two caches that the engine keeps consistent: decoded
// pages in a [pagecache.Cache] and an encoded disk cluster in a
// [tree.Tree]. Writes modify pages in place and "check in" the cluster,
// which registers its [clusterNode] with the [txn.Manager]. The
// writeback path later "checks out" each dirty node: it copies the
// pages into a transform buffer, runs compress, encrypt and checksum,
// and commits the result as one or more tree items.
//
// Disk cluster states follow Fake (nothing stored) to Unprepped (a
// placeholder inserted by the first write) to Prepped (encoded form)
// and Truncated (deletion in progress). Space for every mutation is
// reserved from a [space.Accountant] before anything changes: a cluster
// that is still Fake reserves the larger insert cost, any other the
// update cost.
//
// Lock order within one file is truncate lock, checkin mutex, cluster
// node lock, page locks. Checkouts of a cluster are serialized by a
// separate flush lock on the node that writers never take.
package cryptcompress
