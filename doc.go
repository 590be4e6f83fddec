// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

/*
	Package sframe implements SFrames: immutable, disk-backed tables of
	named, typed columns that may be much larger than memory.

	An SFrame is an ordered tuple of columns (package sarray), all with
	the same number of rows. The columns of an SFrame written through
	OpenForWrite share a single segment group (package blockio): each
	segment of the table is a single file holding the blocks of every
	column for that segment's rows, so that row writers of distinct
	segments may proceed in parallel while column writes stay aligned.

	SFrames follow the same lifecycle as their columns: they are
	created open for write, written through per-segment row writers,
	and closed, after which they are read-only. Closing a table writes
	its index (a .frame_idx file) naming its columns and their
	column indices. Structural operations (SelectColumns, AddColumn,
	RemoveColumn, SwapColumns, ReplaceColumn, RenameColumn) never
	perform I/O and never modify their receiver; they return new,
	"ephemeral" tables that share column storage with the original and
	have no index of their own until saved.

	All SFrames belong to a blockio.Manager, which owns the session's
	open files, block cache, and temporary storage. Temporary tables
	are deleted when the last handle to them is released.

	Operations invoked in the wrong state (for example, writing to a
	closed table) are programming errors, and panic. Schema, type
	conversion, and I/O failures are returned as errors classified by
	the kinds of github.com/grailbio/base/errors.
*/
package sframe
