package moosdb

import (
	"log"
	"os"
	"testing"
	"time"

	"github.com/skycoin/skycoin/src/util/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moosgo/moos/pkg/comms"
	"github.com/moosgo/moos/pkg/moostime"
)

func TestMain(m *testing.M) {
	loggingLevel, ok := os.LookupEnv("TEST_LOGGING_LEVEL")
	if ok {
		lvl, err := logging.LevelFromString(loggingLevel)
		if err != nil {
			log.Fatal(err)
		}
		logging.SetLevel(lvl)
	} else {
		logging.Disable()
	}

	os.Exit(m.Run())
}

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestDB(t *testing.T) (*DB, *clock) {
	return newTestDBWithStore(t, nil)
}

func newTestDBWithStore(t *testing.T, store Store) (*DB, *clock) {
	c := &clock{t: time.Unix(1000, 0)}
	db := New(Config{Community: "alpha"}, moostime.New(moostime.WithClock(c.now)), store)
	db.OnConnect("A")
	db.OnConnect("B")
	// drop the connection announcements.
	db.FetchAllMail("A")
	db.FetchAllMail("B")
	return db, c
}

func rx(t *testing.T, db *DB, client string, msgs ...comms.Msg) []comms.Msg {
	reply, err := db.OnRx(client, msgs)
	require.NoError(t, err)
	return reply
}

func notifyMsg(key string, v interface{}) comms.Msg {
	switch v := v.(type) {
	case string:
		return comms.NewStringMsg(comms.NotifyType, key, v, 0)
	default:
		return comms.NewDoubleMsg(comms.NotifyType, key, v.(float64), 0)
	}
}

func registerMsg(key string, interval float64) comms.Msg {
	return comms.NewDoubleMsg(comms.RegisterType, key, interval, 0)
}

func mailKeys(msgs []comms.Msg) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Key
	}
	return out
}

func TestDB_RegisterThenNotify(t *testing.T) {
	db, _ := newTestDB(t)

	rx(t, db, "A", registerMsg("NAV_X", 0))
	assert.Empty(t, db.FetchAllMail("A"))

	n := notifyMsg("NAV_X", 12.5)
	n.Time = 100
	rx(t, db, "B", n)

	mail := db.FetchAllMail("A")
	require.Len(t, mail, 1)
	assert.Equal(t, "NAV_X", mail[0].Key)
	assert.Equal(t, 12.5, mail[0].Double)
	assert.Equal(t, "B", mail[0].Source)
	assert.Equal(t, "alpha", mail[0].Community)
	assert.Equal(t, 100.0, mail[0].Time)
	assert.Empty(t, db.FetchAllMail("B"))
}

func TestDB_RegisterSendsCurrentValue(t *testing.T) {
	db, _ := newTestDB(t)
	rx(t, db, "B", notifyMsg("DEPTH", 3.0))
	rx(t, db, "A", registerMsg("DEPTH", 0))

	mail := db.FetchAllMail("A")
	require.Len(t, mail, 1)
	assert.Equal(t, 3.0, mail[0].Double)
}

func TestDB_IntervalThrottling(t *testing.T) {
	db, c := newTestDB(t)
	rx(t, db, "A", registerMsg("X", 1.0))

	rx(t, db, "B", notifyMsg("X", 1.0))
	c.advance(300 * time.Millisecond)
	rx(t, db, "B", notifyMsg("X", 2.0))
	c.advance(800 * time.Millisecond)
	rx(t, db, "B", notifyMsg("X", 3.0))

	mail := db.FetchAllMail("A")
	require.Len(t, mail, 2)
	assert.Equal(t, 1.0, mail[0].Double)
	assert.Equal(t, 3.0, mail[1].Double)
}

func TestDB_TypeMismatchRejected(t *testing.T) {
	db, _ := newTestDB(t)
	rx(t, db, "A", registerMsg("X", 0))
	rx(t, db, "B", notifyMsg("X", 1.0))
	rx(t, db, "B", notifyMsg("X", "oops"))

	mail := db.FetchAllMail("A")
	require.Len(t, mail, 1)
	assert.True(t, mail[0].IsDouble())

	v, ok := db.Variable("X")
	require.True(t, ok)
	assert.Equal(t, "1", v.Value)
	assert.Equal(t, uint64(1), v.Writes)
}

func TestDB_Unregister(t *testing.T) {
	db, _ := newTestDB(t)
	rx(t, db, "A", registerMsg("X", 0))
	rx(t, db, "A", comms.NewDoubleMsg(comms.UnregisterType, "X", 0, 0))
	rx(t, db, "B", notifyMsg("X", 1.0))
	assert.Empty(t, db.FetchAllMail("A"))
}

func wildcardMsg(t comms.MsgType, varPattern, appPattern string) comms.Msg {
	return comms.NewStringMsg(t, varPattern,
		"VarPattern="+varPattern+",AppPattern="+appPattern+",Interval=0", 0)
}

func TestDB_Wildcards(t *testing.T) {
	db, _ := newTestDB(t)
	db.OnConnect("pLBL")
	db.FetchAllMail("A")

	rx(t, db, "pLBL", notifyMsg("LBL_TOF_1", "Ch=1,TOF=0.25"))
	rx(t, db, "B", notifyMsg("LBL_TOF_2", "Ch=2,TOF=0.5"))

	// existing values from matching processes are sent right away.
	rx(t, db, "A", wildcardMsg(comms.WildcardRegisterType, "LBL_*", "pLB?"))
	mail := db.FetchAllMail("A")
	assert.Equal(t, []string{"LBL_TOF_1"}, mailKeys(mail))

	rx(t, db, "pLBL", notifyMsg("LBL_TOF_3", "Ch=3,TOF=0.75"))
	rx(t, db, "B", notifyMsg("LBL_TOF_2", "Ch=2,TOF=0.5"))
	rx(t, db, "pLBL", notifyMsg("DEPTH", 2.0))
	assert.Equal(t, []string{"LBL_TOF_3"}, mailKeys(db.FetchAllMail("A")))

	rx(t, db, "A", wildcardMsg(comms.WildcardUnregisterType, "LBL_*", "pLB?"))
	rx(t, db, "pLBL", notifyMsg("LBL_TOF_1", "Ch=1,TOF=0.3"))
	assert.Empty(t, db.FetchAllMail("A"))
}

func TestDB_ServerRequests(t *testing.T) {
	db, _ := newTestDB(t)
	rx(t, db, "B", notifyMsg("NAV_X", 1.0))
	rx(t, db, "B", notifyMsg("NAV_Y", 2.0))

	reply := rx(t, db, "A", comms.NewStringMsg(comms.ServerRequestType, comms.ServerRequestClients, "", 0))
	require.Len(t, reply, 1)
	assert.Equal(t, "A,B", reply[0].String)

	reply = rx(t, db, "A", comms.NewStringMsg(comms.ServerRequestType, comms.ServerRequestProcSummary, "", 0))
	require.Len(t, reply, 1)
	assert.Equal(t, "A[],B[NAV_X;NAV_Y]", reply[0].String)

	reply = rx(t, db, "A", comms.NewStringMsg(comms.ServerRequestType, comms.ServerRequestVarSummary, "", 0))
	require.Len(t, reply, 1)
	assert.Contains(t, reply[0].String, "NAV_X,NAV_Y")
	assert.Contains(t, reply[0].String, VarClients)

	reply = rx(t, db, "A", comms.NewStringMsg(comms.ServerRequestType, comms.ServerRequestAll, "", 0))
	keys := mailKeys(reply)
	assert.Contains(t, keys, "NAV_X")
	assert.Contains(t, keys, "NAV_Y")
	assert.Contains(t, keys, VarConnect)
}

func TestDB_Command(t *testing.T) {
	db, _ := newTestDB(t)
	cmd := comms.NewStringMsg(comms.CommandType, "B", "RESTART", 0)
	rx(t, db, "A", cmd)

	mail := db.FetchAllMail("B")
	require.Len(t, mail, 1)
	assert.Equal(t, comms.CommandType, mail[0].Type)
	assert.Equal(t, "RESTART", mail[0].String)
	assert.Equal(t, "A", mail[0].Source)
}

func TestDB_ConnectionVariables(t *testing.T) {
	db, _ := newTestDB(t)
	rx(t, db, "A", registerMsg(VarClients, 0))
	rx(t, db, "A", registerMsg(VarDisconnect, 0))
	db.FetchAllMail("A")

	rx(t, db, "B", registerMsg("X", 0))
	db.OnDisconnect("B")

	mail := db.FetchAllMail("A")
	require.Len(t, mail, 2)
	assert.Equal(t, VarDisconnect, mail[0].Key)
	assert.Equal(t, "B", mail[0].String)
	assert.Equal(t, VarClients, mail[1].Key)
	assert.Equal(t, "A", mail[1].String)

	v, ok := db.Variable("X")
	require.True(t, ok)
	assert.Empty(t, v.Subscribers)
}
