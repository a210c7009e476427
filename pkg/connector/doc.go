// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package connector implements a Matrix-WeChat puppeting bridge on top of
// the mautrix application service API.
//
// Every WeChat contact an operator talks to is represented in Matrix by a
// puppet user owned by that operator. Puppets are allocated on first
// contact and remembered in the identity store together with the rooms the
// bridge creates.
//
// # Core Types
//
// [WechatyConnector] wires the components and owns the startup guard.
//
// [Router] keeps one [BridgeUser] per operator and routes events from both
// networks to it. Each BridgeUser processes its events strictly in order on
// its own worker, so one slow session never holds up another.
//
// [RoomProvisioner] creates rooms and guarantees a single direct room per
// user pair, even under concurrent requests.
//
// [Translator] posts WeChat messages into Matrix as the sending puppet.
//
// # Echo Prevention
//
// Matrix events sent by the bridge bot or by any puppet are never relayed
// to WeChat, and WeChat messages sent by the logged-in account itself are
// never relayed to Matrix.
//
// # Sub-packages
//
//   - matrixfmt converts Matrix HTML to WeChat plain text.
package connector
