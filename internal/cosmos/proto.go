package cosmos

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

const (
	typeURLMsgSend     = "/cosmos.bank.v1beta1.MsgSend"
	typeURLPubKey      = "/cosmos.crypto.secp256k1.PubKey"
	typeURLBaseAccount = "/cosmos.auth.v1beta1.BaseAccount"

	signModeDirect = 1
)

// Coin is a denom/amount pair; the amount is an integer string.
type Coin struct {
	Denom  string `json:"denom"`
	Amount string `json:"amount"`
}

type anyMsg struct {
	TypeURL string
	Value   []byte
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendBytes(b []byte, num protowire.Number, v []byte) []byte {
	if len(v) == 0 {
		return b
	}
	return appendEmbedded(b, num, v)
}

// appendEmbedded always writes the field, even for an empty value.
func appendEmbedded(b []byte, num protowire.Number, v []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendUint64(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func encodeCoin(c Coin) []byte {
	var b []byte
	b = appendString(b, 1, c.Denom)
	b = appendString(b, 2, c.Amount)
	return b
}

func encodeAny(a anyMsg) []byte {
	var b []byte
	b = appendString(b, 1, a.TypeURL)
	b = appendBytes(b, 2, a.Value)
	return b
}

func encodeMsgSend(from, to string, amount []Coin) anyMsg {
	var b []byte
	b = appendString(b, 1, from)
	b = appendString(b, 2, to)
	for _, c := range amount {
		b = appendEmbedded(b, 3, encodeCoin(c))
	}
	return anyMsg{TypeURL: typeURLMsgSend, Value: b}
}

func encodeTxBody(msgs []anyMsg, memo string) []byte {
	var b []byte
	for _, m := range msgs {
		b = appendEmbedded(b, 1, encodeAny(m))
	}
	b = appendString(b, 2, memo)
	return b
}

func encodeAuthInfo(pubKey []byte, sequence uint64, fee StdFee) []byte {
	var pk []byte
	pk = appendBytes(pk, 1, pubKey)

	var single []byte
	single = appendUint64(single, 1, signModeDirect)
	var modeInfo []byte
	modeInfo = appendEmbedded(modeInfo, 1, single)

	var signer []byte
	signer = appendEmbedded(signer, 1, encodeAny(anyMsg{TypeURL: typeURLPubKey, Value: pk}))
	signer = appendEmbedded(signer, 2, modeInfo)
	signer = appendUint64(signer, 3, sequence)

	var feeBytes []byte
	for _, c := range fee.Amount {
		feeBytes = appendEmbedded(feeBytes, 1, encodeCoin(c))
	}
	feeBytes = appendUint64(feeBytes, 2, fee.Gas)

	var b []byte
	b = appendEmbedded(b, 1, signer)
	b = appendEmbedded(b, 2, feeBytes)
	return b
}

func encodeSignDoc(bodyBytes, authInfoBytes []byte, chainID string, accountNumber uint64) []byte {
	var b []byte
	b = appendBytes(b, 1, bodyBytes)
	b = appendBytes(b, 2, authInfoBytes)
	b = appendString(b, 3, chainID)
	b = appendUint64(b, 4, accountNumber)
	return b
}

func encodeTxRaw(bodyBytes, authInfoBytes []byte, signatures ...[]byte) []byte {
	var b []byte
	b = appendBytes(b, 1, bodyBytes)
	b = appendBytes(b, 2, authInfoBytes)
	for _, sig := range signatures {
		b = appendEmbedded(b, 3, sig)
	}
	return b
}

func encodeSimulateRequest(txBytes []byte) []byte {
	return appendBytes(nil, 2, txBytes)
}

func encodeQueryAccountRequest(addr string) []byte {
	return appendString(nil, 1, addr)
}

type field struct {
	num   protowire.Number
	bytes []byte
	value uint64
}

// walkFields visits varint and length-delimited fields and skips the rest.
func walkFields(b []byte, fn func(f field) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		switch typ {
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			b = b[n:]
			if err := fn(field{num: num, value: v}); err != nil {
				return err
			}
		case protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			b = b[n:]
			if err := fn(field{num: num, bytes: v}); err != nil {
				return err
			}
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			b = b[n:]
		}
	}
	return nil
}

func decodeAny(b []byte) (anyMsg, error) {
	var a anyMsg
	err := walkFields(b, func(f field) error {
		switch f.num {
		case 1:
			a.TypeURL = string(f.bytes)
		case 2:
			a.Value = f.bytes
		}
		return nil
	})
	return a, err
}

// AccountInfo carries the fields needed to sign for an account.
type AccountInfo struct {
	Address       string
	AccountNumber uint64
	Sequence      uint64
}

// decodeQueryAccountResponse unpacks QueryAccountResponse{account: Any(BaseAccount)}.
func decodeQueryAccountResponse(b []byte) (AccountInfo, error) {
	var wrapped []byte
	err := walkFields(b, func(f field) error {
		if f.num == 1 {
			wrapped = f.bytes
		}
		return nil
	})
	if err != nil {
		return AccountInfo{}, fmt.Errorf("decode account response: %w", err)
	}
	if wrapped == nil {
		return AccountInfo{}, errors.New("account response is empty")
	}

	acc, err := decodeAny(wrapped)
	if err != nil {
		return AccountInfo{}, fmt.Errorf("decode account: %w", err)
	}
	if acc.TypeURL != typeURLBaseAccount {
		return AccountInfo{}, fmt.Errorf("unsupported account type %s", acc.TypeURL)
	}

	var info AccountInfo
	err = walkFields(acc.Value, func(f field) error {
		switch f.num {
		case 1:
			info.Address = string(f.bytes)
		case 3:
			info.AccountNumber = f.value
		case 4:
			info.Sequence = f.value
		}
		return nil
	})
	if err != nil {
		return AccountInfo{}, fmt.Errorf("decode base account: %w", err)
	}
	return info, nil
}

// decodeSimulateResponse returns gas_info.gas_used.
func decodeSimulateResponse(b []byte) (uint64, error) {
	var gasInfo []byte
	err := walkFields(b, func(f field) error {
		if f.num == 1 {
			gasInfo = f.bytes
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("decode simulate response: %w", err)
	}

	var gasUsed uint64
	err = walkFields(gasInfo, func(f field) error {
		if f.num == 2 {
			gasUsed = f.value
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("decode gas info: %w", err)
	}
	if gasUsed == 0 {
		return 0, errors.New("simulation returned no gas usage")
	}
	return gasUsed, nil
}
