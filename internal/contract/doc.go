// Copyright 2025 KrakLabs
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.
//
// For commercial licensing, contact: licensing@kraklabs.com
//
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package contract holds the request validation limits shared by the
// RPC server and the CLI.
//
// Tools validate inbound fields against these limits before touching
// any engine, so malformed requests fail fast with InvalidArguments
// instead of surfacing as store errors deep in a pipeline.
//
// The mutation batch soft limit can be adjusted per deployment:
//
//	export CIS_SOFT_LIMIT_BYTES=33554432  # 32 MiB
//
// If the environment variable is unset or invalid, the default of
// 64 MiB (DefaultSoftLimitBytes) applies.
package contract
