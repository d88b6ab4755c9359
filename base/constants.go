// Copyright (c) 2018 Couchbase, Inc.
// Licensed under the Apache License, Version 2.0 (the "License"); you may not use this file
// except in compliance with the License. You may obtain a copy of the License at
//   http://www.apache.org/licenses/LICENSE-2.0
// Unless required by applicable law or agreed to in writing, software distributed under the
// License is distributed on an "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND,
// either express or implied. See the License for the specific language governing permissions
// and limitations under the License.

// Package base holds the tuning constants and small shared helpers used
// across the puller pipeline.
package base

import "time"

// Protocol/tuning defaults, see REPLICATION-PROTOCOL tuning table.
const (
	ChangesBatchSize         = 200
	MaxPendingRevs           = 100
	MaxActiveIncomingRevs    = 100
	MaxUnfinishedIncomingRevs = 2000
	InsertionBatchSize       = 25
	InsertionBatchTimeout    = 250 * time.Millisecond
	MaxBlobFetchesPerRev     = 4
)

// Wire/profile names exchanged with the remote peer.
const (
	ProfileSubChanges     = "subChanges"
	ProfileChanges        = "changes"
	ProfileProposeChanges = "proposeChanges"
	ProfileRev            = "rev"
	ProfileNoRev          = "norev"
	ProfileGetAttachment  = "getAttachment"
)

// StatsReportInterval is how often a running Puller logs a progress summary.
const StatsReportInterval = 10 // seconds

const FileModeReadWrite = 0666
