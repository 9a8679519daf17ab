// Package broker provides the Angel One SmartAPI REST client.
//
// REST base: https://apiconnect.angelbroking.com
//
// Key endpoints: loginByPassword, generateTokens, logout, getLtpData,
// getCandleData
package broker
