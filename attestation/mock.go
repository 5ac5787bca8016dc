package attestation

import (
	"github.com/stretchr/testify/mock"
)

// MockProvider is a testify mock of Provider.
type MockProvider struct {
	mock.Mock
}

func (m *MockProvider) Attest(reportData [64]byte) ([]byte, error) {
	args := m.Called(reportData)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]byte), args.Error(1)
}

// MockVerifier is a testify mock of Verifier.
type MockVerifier struct {
	mock.Mock
}

func (m *MockVerifier) Verify(reportData [64]byte, quote []byte) (Measurements, error) {
	args := m.Called(reportData, quote)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(Measurements), args.Error(1)
}
