// Package crypto implements the cryptographic primitives of the relay
// protocol: NaCl box key pairs, authenticated public-key encryption, and
// the challenge/response proof used during relay registration.
//
// # Core Types
//
//   - [KeyPair]: NaCl crypto_box key pair (Curve25519)
//   - [ChallengeSolver]: answers relay authentication challenges with the
//     local secret key
//
// # Encryption and Decryption
//
// Messages are sealed with NaCl box using a random nonce prepended to the
// ciphertext:
//
//	ciphertext, _ := crypto.Encrypt(plaintext, recipientPublicKey, senderSecretKey)
//	plaintext, _ := crypto.Decrypt(ciphertext, senderPublicKey, recipientSecretKey)
//
// # Challenge Proof
//
// A relay server authenticates a registering client by encrypting a random
// challenge to the client's public key. The client proves key possession by
// decrypting the challenge, inverting every byte, and re-encrypting the
// result back to the server:
//
//	solver := crypto.NewChallengeSolver(keyPair)
//	response, _ := solver.SolveChallenge(serverPublicKey, encryptedChallenge)
//
// The byte inversion prevents a relay from using the client as a decryption
// oracle: the returned ciphertext never contains the original plaintext.
//
// # Thread Safety
//
// All functions in this package are pure and safe for concurrent use.
package crypto
