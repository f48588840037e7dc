// Package custodyabi gives the custody, closure, and gas-credit engines an
// ABI surface so signed relay envelopes can drive them. Each engine is
// exposed behind a virtual target address; calldata is standard ABI-encoded
// function calls against the JSON fragments below.
package custodyabi

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

var (
	ErrInvalidConfig = errors.New("custodyabi: invalid config")
	ErrUnknownTarget = errors.New("custodyabi: unknown target")
	ErrUnknownMethod = errors.New("custodyabi: unknown method")
	ErrBadCalldata   = errors.New("custodyabi: bad calldata")
	ErrValueRejected = errors.New("custodyabi: value sent to non-payable method")
)

var (
	initOnce sync.Once
	initErr  error

	custodyABI abi.ABI
	closureABI abi.ABI
	creditsABI abi.ABI
)

func initABI() error {
	initOnce.Do(func() {
		var err error
		custodyABI, err = abi.JSON(strings.NewReader(custodyABIJSON))
		if err != nil {
			initErr = fmt.Errorf("custodyabi: parse custody ABI: %w", err)
			return
		}
		closureABI, err = abi.JSON(strings.NewReader(closureABIJSON))
		if err != nil {
			initErr = fmt.Errorf("custodyabi: parse closure ABI: %w", err)
			return
		}
		creditsABI, err = abi.JSON(strings.NewReader(creditsABIJSON))
		if err != nil {
			initErr = fmt.Errorf("custodyabi: parse credits ABI: %w", err)
			return
		}
	})
	return initErr
}

// PackCustody encodes calldata for the custody target.
func PackCustody(method string, args ...interface{}) ([]byte, error) {
	if err := initABI(); err != nil {
		return nil, err
	}
	b, err := custodyABI.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("custodyabi: pack %s: %w", method, err)
	}
	return b, nil
}

// PackClosure encodes calldata for the closure target.
func PackClosure(method string, args ...interface{}) ([]byte, error) {
	if err := initABI(); err != nil {
		return nil, err
	}
	b, err := closureABI.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("custodyabi: pack %s: %w", method, err)
	}
	return b, nil
}

// PackCredits encodes calldata for the gas-credit target.
func PackCredits(method string, args ...interface{}) ([]byte, error) {
	if err := initABI(); err != nil {
		return nil, err
	}
	b, err := creditsABI.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("custodyabi: pack %s: %w", method, err)
	}
	return b, nil
}

const custodyABIJSON = `[
  {"inputs":[],"name":"depositFunds","outputs":[],"stateMutability":"payable","type":"function"},
  {"inputs":[
      {"internalType":"address","name":"recipient","type":"address"},
      {"internalType":"uint64","name":"amount","type":"uint64"},
      {"internalType":"string","name":"description","type":"string"},
      {"internalType":"bytes32","name":"documentHash","type":"bytes32"}
    ],"name":"createRequest","outputs":[{"internalType":"uint64","name":"requestId","type":"uint64"}],"stateMutability":"nonpayable","type":"function"},
  {"inputs":[
      {"internalType":"address[]","name":"recipients","type":"address[]"},
      {"internalType":"uint64[]","name":"amounts","type":"uint64[]"},
      {"internalType":"string","name":"description","type":"string"},
      {"internalType":"bytes32","name":"documentHash","type":"bytes32"}
    ],"name":"createRequestMultiple","outputs":[{"internalType":"uint64","name":"requestId","type":"uint64"}],"stateMutability":"nonpayable","type":"function"},
  {"inputs":[
      {"internalType":"uint64","name":"requestId","type":"uint64"},
      {"internalType":"bytes32","name":"commitment","type":"bytes32"}
    ],"name":"commitApproval","outputs":[],"stateMutability":"nonpayable","type":"function"},
  {"inputs":[
      {"internalType":"uint64","name":"requestId","type":"uint64"},
      {"internalType":"uint64","name":"nonce","type":"uint64"}
    ],"name":"approveBySecretary","outputs":[],"stateMutability":"nonpayable","type":"function"},
  {"inputs":[
      {"internalType":"uint64","name":"requestId","type":"uint64"},
      {"internalType":"uint64","name":"nonce","type":"uint64"}
    ],"name":"approveByCommittee","outputs":[],"stateMutability":"nonpayable","type":"function"},
  {"inputs":[
      {"internalType":"uint64","name":"requestId","type":"uint64"},
      {"internalType":"uint64","name":"nonce","type":"uint64"}
    ],"name":"approveByFinance","outputs":[],"stateMutability":"nonpayable","type":"function"},
  {"inputs":[
      {"internalType":"uint64","name":"requestId","type":"uint64"},
      {"internalType":"uint64","name":"nonce","type":"uint64"}
    ],"name":"approveByCommitteeAdditional","outputs":[],"stateMutability":"nonpayable","type":"function"},
  {"inputs":[
      {"internalType":"uint64","name":"requestId","type":"uint64"},
      {"internalType":"uint64","name":"nonce","type":"uint64"}
    ],"name":"approveByDirector","outputs":[],"stateMutability":"nonpayable","type":"function"},
  {"inputs":[{"internalType":"uint64","name":"requestId","type":"uint64"}],
    "name":"executeDelayedWithdrawal","outputs":[],"stateMutability":"nonpayable","type":"function"},
  {"inputs":[{"internalType":"uint64","name":"requestId","type":"uint64"}],
    "name":"cancelRequest","outputs":[],"stateMutability":"nonpayable","type":"function"}
]`

const closureABIJSON = `[
  {"inputs":[
      {"internalType":"address","name":"returnAddress","type":"address"},
      {"internalType":"string","name":"reason","type":"string"}
    ],"name":"initiateClosure","outputs":[{"internalType":"uint64","name":"closureId","type":"uint64"}],"stateMutability":"nonpayable","type":"function"},
  {"inputs":[
      {"internalType":"uint64","name":"closureId","type":"uint64"},
      {"internalType":"bytes32","name":"commitment","type":"bytes32"}
    ],"name":"commitClosureApproval","outputs":[],"stateMutability":"nonpayable","type":"function"},
  {"inputs":[
      {"internalType":"uint64","name":"closureId","type":"uint64"},
      {"internalType":"uint64","name":"nonce","type":"uint64"}
    ],"name":"approveClosureByCommittee","outputs":[],"stateMutability":"nonpayable","type":"function"},
  {"inputs":[
      {"internalType":"uint64","name":"closureId","type":"uint64"},
      {"internalType":"uint64","name":"nonce","type":"uint64"}
    ],"name":"approveClosureByDirector","outputs":[],"stateMutability":"nonpayable","type":"function"},
  {"inputs":[{"internalType":"uint64","name":"closureId","type":"uint64"}],
    "name":"cancelClosure","outputs":[],"stateMutability":"nonpayable","type":"function"}
]`

const creditsABIJSON = `[
  {"inputs":[],"name":"depositGasCredit","outputs":[],"stateMutability":"payable","type":"function"},
  {"inputs":[{"internalType":"uint64","name":"amount","type":"uint64"}],
    "name":"withdrawGasCredit","outputs":[],"stateMutability":"nonpayable","type":"function"},
  {"inputs":[
      {"internalType":"address","name":"owner","type":"address"},
      {"internalType":"uint64","name":"maxPerTransaction","type":"uint64"},
      {"internalType":"uint64","name":"dailyLimit","type":"uint64"}
    ],"name":"updateGasCreditLimits","outputs":[],"stateMutability":"nonpayable","type":"function"},
  {"inputs":[
      {"internalType":"address","name":"user","type":"address"},
      {"internalType":"uint64","name":"gasUsed","type":"uint64"},
      {"internalType":"uint64","name":"gasPrice","type":"uint64"},
      {"internalType":"bytes32","name":"txHash","type":"bytes32"}
    ],"name":"requestRefund","outputs":[{"internalType":"uint64","name":"cost","type":"uint64"}],"stateMutability":"nonpayable","type":"function"},
  {"inputs":[
      {"internalType":"address[]","name":"users","type":"address[]"},
      {"internalType":"uint64[]","name":"gasUsed","type":"uint64[]"},
      {"internalType":"uint64[]","name":"gasPrices","type":"uint64[]"},
      {"internalType":"bytes32[]","name":"txHashes","type":"bytes32[]"}
    ],"name":"batchRequestRefund","outputs":[{"internalType":"uint64","name":"paid","type":"uint64"}],"stateMutability":"nonpayable","type":"function"}
]`
