// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

//go:build !js
// +build !js

// meshclient is a serverless peer-to-peer conferencing client: it joins a
// room over an MQTT signaling mesh and negotiates direct WebRTC media with
// every other peer it discovers there.
package main

import (
	"meshsig/internal/app"
)

func main() {
	application, err := app.New()
	if err != nil {
		panic(err)
	}

	if err := application.Run(); err != nil {
		panic(err)
	}
}
