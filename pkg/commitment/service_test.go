package commitment

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shrxyeh/Medichain/pkg/abac"
)

type testClock struct {
	now time.Time
}

func (c *testClock) Now() time.Time { return c.now }

func (c *testClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestService(start time.Time) (*Service, *testClock) {
	clock := &testClock{now: start}
	return NewService(WithClock(clock.Now)), clock
}

func TestCreateCommitment(t *testing.T) {
	svc := NewService()

	t.Run("round trip with generated salt", func(t *testing.T) {
		c, err := svc.CreateCommitment("O+", "")
		require.NoError(t, err)
		assert.Len(t, c.Salt, 64, "32 random bytes hex encoded")
		assert.Len(t, c.Digest, 64)

		ok, err := svc.VerifyCommitment("O+", c.Salt, c.Digest)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("digest is sha256 of value||salt", func(t *testing.T) {
		c, err := svc.CreateCommitment("42", "pepper")
		require.NoError(t, err)
		assert.Equal(t, Hash("42", "pepper"), c.Digest)
		assert.Equal(t, "pepper", c.Salt)
	})

	t.Run("round trip over many values", func(t *testing.T) {
		for i := 0; i < 50; i++ {
			value := fmt.Sprintf("value-%d", i)
			c, err := svc.CreateCommitment(value, "")
			require.NoError(t, err)
			ok, err := svc.VerifyCommitment(value, c.Salt, c.Digest)
			require.NoError(t, err)
			assert.True(t, ok, value)
		}
	})

	t.Run("different values with the same salt do not collide", func(t *testing.T) {
		seen := make(map[string]string)
		for i := 0; i < 200; i++ {
			value := fmt.Sprintf("%d", i)
			c, err := svc.CreateCommitment(value, "shared-salt")
			require.NoError(t, err)
			if prev, dup := seen[c.Digest]; dup {
				t.Fatalf("collision between %s and %s", prev, value)
			}
			seen[c.Digest] = value
		}
	})

	t.Run("wrong value or salt fails verification", func(t *testing.T) {
		c, err := svc.CreateCommitment("A-", "")
		require.NoError(t, err)

		ok, err := svc.VerifyCommitment("A+", c.Salt, c.Digest)
		require.NoError(t, err)
		assert.False(t, ok)

		ok, err = svc.VerifyCommitment("A-", c.Salt+"00", c.Digest)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("prefix of digest does not verify", func(t *testing.T) {
		c, err := svc.CreateCommitment("B+", "")
		require.NoError(t, err)
		_, err = svc.VerifyCommitment("B+", c.Salt, c.Digest[:32])
		assert.True(t, abac.IsInputError(err))
	})

	t.Run("empty value is an input error", func(t *testing.T) {
		_, err := svc.CreateCommitment("", "")
		assert.True(t, abac.IsInputError(err))
	})

	t.Run("missing salt on verify is an input error", func(t *testing.T) {
		_, err := svc.VerifyCommitment("x", "", Hash("x", "y"))
		assert.True(t, abac.IsInputError(err))
	})
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("entropy exhausted") }

func TestCreateCommitment_RandomSource(t *testing.T) {
	t.Run("deterministic reader yields deterministic salt", func(t *testing.T) {
		svc := NewService(WithRandom(bytes.NewReader(bytes.Repeat([]byte{0xab}, 64))))
		c, err := svc.CreateCommitment("v", "")
		require.NoError(t, err)
		assert.Equal(t, strings.Repeat("ab", 32), c.Salt)
	})

	t.Run("salt length never drops below 256 bits", func(t *testing.T) {
		svc := NewService(WithSaltBytes(8))
		c, err := svc.CreateCommitment("v", "")
		require.NoError(t, err)
		assert.Len(t, c.Salt, 64)
	})

	t.Run("randomness failure is reported", func(t *testing.T) {
		svc := NewService(WithRandom(failingReader{}))
		_, err := svc.CreateCommitment("v", "")
		assert.Error(t, err)
	})
}

func TestCommitAttributes(t *testing.T) {
	svc := NewService()
	commitments, err := svc.CommitAttributes(map[string]string{
		"bloodType": "O+",
		"allergies": "",
	})
	require.NoError(t, err)
	require.Len(t, commitments, 2)

	ok, err := svc.VerifyCommitment("bloodType=O+", commitments["bloodType"].Salt, commitments["bloodType"].Digest)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCreateAgeProof(t *testing.T) {
	dob := "1990-01-15"

	t.Run("adult on eighteenth birthday", func(t *testing.T) {
		svc, _ := newTestService(time.Date(2008, 1, 15, 9, 0, 0, 0, time.UTC))
		proof, err := svc.CreateAgeProof(dob, 18)
		require.NoError(t, err)
		assert.True(t, proof.Result)
		assert.Equal(t, float64(18), proof.Threshold)

		data, err := json.Marshal(proof)
		require.NoError(t, err)
		assert.NotContains(t, string(data), dob)
	})

	t.Run("minor the day before", func(t *testing.T) {
		svc, _ := newTestService(time.Date(2008, 1, 14, 23, 0, 0, 0, time.UTC))
		proof, err := svc.CreateAgeProof(dob, 18)
		require.NoError(t, err)
		assert.False(t, proof.Result)

		data, err := json.Marshal(proof)
		require.NoError(t, err)
		assert.NotContains(t, string(data), dob)
	})

	t.Run("proof opens to its stated result", func(t *testing.T) {
		svc, _ := newTestService(time.Date(2020, 6, 1, 0, 0, 0, 0, time.UTC))
		proof, err := svc.CreateAgeProof(dob, 21)
		require.NoError(t, err)
		ok, err := svc.VerifyThresholdProof(proof)
		require.NoError(t, err)
		assert.True(t, ok)

		tampered := *proof
		tampered.Result = !proof.Result
		ok, err = svc.VerifyThresholdProof(&tampered)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("malformed date fails fast", func(t *testing.T) {
		svc := NewService()
		_, err := svc.CreateAgeProof("15/01/1990", 18)
		assert.True(t, abac.IsInputError(err))

		_, err = svc.CreateAgeProof("", 18)
		assert.True(t, abac.IsInputError(err))
	})
}

func TestAgeAt(t *testing.T) {
	dob := time.Date(2000, 2, 29, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, 17, AgeAt(dob, time.Date(2018, 2, 28, 0, 0, 0, 0, time.UTC)))
	assert.Equal(t, 18, AgeAt(dob, time.Date(2018, 3, 1, 0, 0, 0, 0, time.UTC)))
}

func TestCreateThresholdProof(t *testing.T) {
	svc := NewService()

	proof, err := svc.CreateThresholdProof(720, 650, GreaterOrEqual)
	require.NoError(t, err)
	assert.True(t, proof.Result)
	assert.Equal(t, float64(650), proof.Threshold)

	proof, err = svc.CreateThresholdProof(5.5, 6, LessThan)
	require.NoError(t, err)
	assert.True(t, proof.Result)

	_, err = svc.CreateThresholdProof(1, 2, Comparator{Name: "broken"})
	assert.True(t, abac.IsInputError(err))

	cmp, ok := ComparatorByName(">=")
	require.True(t, ok)
	assert.Equal(t, GreaterOrEqual.Name, cmp.Name)
}

func TestRoleProof(t *testing.T) {
	start := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	svc, clock := newTestService(start)

	proof, err := svc.CreateRoleProof(abac.RoleDoctor, "D1")
	require.NoError(t, err)
	assert.Equal(t, start.Add(time.Hour), proof.ExpiresAt)
	assert.NotEmpty(t, proof.Nonce)

	data, err := json.Marshal(proof)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "D1")
	assert.NotContains(t, string(data), "doctor")

	ok, err := svc.VerifyRoleProof(proof, abac.RoleDoctor, "D1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = svc.VerifyRoleProof(proof, abac.RoleNurse, "D1")
	require.NoError(t, err)
	assert.False(t, ok)

	clock.Advance(time.Hour + time.Second)
	ok, err = svc.VerifyRoleProof(proof, abac.RoleDoctor, "D1")
	require.NoError(t, err)
	assert.False(t, ok, "expired proof")

	_, err = svc.CreateRoleProof("", "D1")
	assert.True(t, abac.IsInputError(err))
}

func TestIsProofValid(t *testing.T) {
	start := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	svc, clock := newTestService(start)

	assert.False(t, svc.IsProofValid(nil))
	assert.False(t, svc.IsProofValid(Freshness{}), "no timestamp")

	noExpiry := Freshness{Timestamp: start}
	assert.True(t, svc.IsProofValid(noExpiry))

	explicit := start.Add(10 * time.Minute)
	short := Freshness{Timestamp: start, ExpiresAt: &explicit}
	assert.True(t, svc.IsProofValid(short))

	clock.Advance(11 * time.Minute)
	assert.False(t, svc.IsProofValid(short), "past explicit expiry")
	assert.True(t, svc.IsProofValid(noExpiry))

	clock.Advance(50 * time.Minute)
	assert.False(t, svc.IsProofValid(noExpiry), "past default one hour window")
}

func TestCreateSelectiveDisclosure(t *testing.T) {
	svc := NewService()
	attributes := map[string]string{
		"name":        "Jane Doe",
		"dateOfBirth": "1990-01-15",
		"bloodType":   "O+",
		"insurer":     "Acme",
	}

	cases := []struct {
		name   string
		reveal []string
	}{
		{"reveal nothing", nil},
		{"reveal one", []string{"bloodType"}},
		{"reveal several", []string{"name", "insurer"}},
		{"reveal all", []string{"name", "dateOfBirth", "bloodType", "insurer"}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d, err := svc.CreateSelectiveDisclosure(attributes, tc.reveal)
			require.NoError(t, err)

			revealSet := make(map[string]bool)
			for _, name := range tc.reveal {
				revealSet[name] = true
				assert.Equal(t, attributes[name], d.Disclosed[name])
			}
			assert.Len(t, d.Disclosed, len(revealSet))
			assert.Len(t, d.Commitments, len(attributes)-len(revealSet))
			for name := range attributes {
				_, committed := d.Commitments[name]
				assert.Equal(t, !revealSet[name], committed, name)
			}

			data, err := json.Marshal(d)
			require.NoError(t, err)
			if !revealSet["dateOfBirth"] {
				assert.NotContains(t, string(data), "1990-01-15")
			}
		})
	}

	t.Run("committed attribute can be opened later", func(t *testing.T) {
		d, err := svc.CreateSelectiveDisclosure(attributes, []string{"name"})
		require.NoError(t, err)
		ok, err := svc.VerifyDisclosedAttribute(d.Commitments, "bloodType", "O+", d.Salts["bloodType"])
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = svc.VerifyDisclosedAttribute(d.Commitments, "bloodType", "AB-", d.Salts["bloodType"])
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("unknown reveal name fails fast", func(t *testing.T) {
		_, err := svc.CreateSelectiveDisclosure(attributes, []string{"ssn"})
		assert.True(t, abac.IsInputError(err))
	})
}
