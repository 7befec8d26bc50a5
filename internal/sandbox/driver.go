package sandbox

import (
	"encoding/json"
	"fmt"

	"github.com/michaelbrown/kernelbox/internal/callbacks"
	"github.com/michaelbrown/kernelbox/internal/protocol"
)

// driverSource is the Python program run inside the container. State lives
// in one namespace shared by every cell of the kernel.
const driverSource = `
import ast, base64, functools, io, json, os, sys, traceback, uuid

_out = sys.stdout
_id = None


def _emit(msg):
    _out.write(json.dumps(msg, default=repr) + "\n")
    _out.flush()


class _Stream:
    def __init__(self, name):
        self.name = name

    def write(self, text):
        if text:
            _emit({"type": "stream", "id": _id, "name": self.name, "text": text})
        return len(text)

    def flush(self):
        pass

    def isatty(self):
        return False


_REPRS = (
    ("_repr_html_", "text/html"),
    ("_repr_markdown_", "text/markdown"),
    ("_repr_svg_", "image/svg+xml"),
    ("_repr_png_", "image/png"),
    ("_repr_jpeg_", "image/jpeg"),
    ("_repr_latex_", "text/latex"),
    ("_repr_json_", "application/json"),
)


def _bundle(obj):
    data = {"text/plain": repr(obj)}
    for attr, mime in _REPRS:
        fn = getattr(obj, attr, None)
        if not callable(fn):
            continue
        try:
            value = fn()
        except Exception:
            continue
        if isinstance(value, tuple):
            value = value[0]
        if value is None:
            continue
        if isinstance(value, bytes):
            value = base64.b64encode(value).decode()
        elif not isinstance(value, str):
            value = json.dumps(value)
        data[mime] = value
    return data


def display(*objs):
    for obj in objs:
        _emit({"type": "display", "id": _id, "data": _bundle(obj)})


def _plain(value):
    return json.loads(json.dumps(value, default=repr))


def _record_callback(name, args, kwargs):
    _emit({"type": "callback", "id": _id, "name": name,
           "args": _plain(list(args)), "kwargs": _plain(dict(kwargs))})


def _tool(fn):
    @functools.wraps(fn)
    def wrapper(*args, **kwargs):
        try:
            return fn(*args, **kwargs)
        except Exception as exc:
            _emit({"type": "log_exception", "id": _id,
                   "message": "%s failed" % fn.__name__,
                   "exception": {
                       "id": uuid.uuid4().hex,
                       "type": type(exc).__name__,
                       "value": str(exc),
                       "traceback": "".join(traceback.format_exception(type(exc), exc, exc.__traceback__)),
                   },
                   "orig_func_name": fn.__name__,
                   "orig_func_args": repr(args),
                   "orig_func_kwargs": repr(kwargs)})
            raise
    return wrapper


@_tool
def display_dataframe_to_user(name, dataframe):
    display(dataframe)
    shape = getattr(dataframe, "shape", None)
    _record_callback("display_dataframe_to_user", (name,),
                     {"shape": list(shape) if shape is not None else None})
    return dataframe


@_tool
def display_chart_to_user(name, chart=None):
    if chart is not None:
        display(chart)
    _record_callback("display_chart_to_user", (name,), {})


@_tool
def display_matplotlib_image_to_user(name="", figure=None):
    try:
        import matplotlib.pyplot as plt
    except ImportError:
        _emit({"type": "matplotlib_fallback", "id": _id,
               "reason": "matplotlib is not installed", "metadata": {"name": name}})
        return
    fig = figure if figure is not None else plt.gcf()
    try:
        buf = io.BytesIO()
        fig.savefig(buf, format="png")
        png = base64.b64encode(buf.getvalue()).decode()
        _emit({"type": "display", "id": _id, "data": {"text/plain": repr(fig), "image/png": png}})
    except Exception as exc:
        _emit({"type": "matplotlib_fallback", "id": _id, "reason": str(exc),
               "metadata": {"name": name, "figure": repr(fig)}})
    _record_callback("display_matplotlib_image_to_user", (name,), {})


_ns = {
    "__name__": "__main__",
    "display": display,
    "display_dataframe_to_user": display_dataframe_to_user,
    "display_chart_to_user": display_chart_to_user,
    "display_matplotlib_image_to_user": display_matplotlib_image_to_user,
}


def _run(code):
    tree = ast.parse(code, "<cell>", "exec")
    last = None
    if tree.body and isinstance(tree.body[-1], ast.Expr):
        last = ast.Expression(tree.body.pop().value)
    exec(compile(tree, "<cell>", "exec"), _ns)
    if last is not None:
        value = eval(compile(last, "<cell>", "eval"), _ns)
        if value is not None:
            _ns["_"] = value
            _emit({"type": "result", "id": _id, "data": _bundle(value)})


def _handle(line):
    global _id
    req = json.loads(line)
    _id = req["id"]
    _emit({"type": "busy", "id": _id, "code": req["code"]})
    try:
        _run(req["code"])
    except BaseException as exc:
        tb = traceback.format_exception(type(exc), exc, exc.__traceback__)
        _emit({"type": "error", "id": _id, "ename": type(exc).__name__,
               "evalue": str(exc), "traceback": tb})


def _finish():
    global _id
    # A late interrupt must not lose the idle status.
    while _id is not None:
        try:
            _emit({"type": "done", "id": _id})
            _id = None
        except KeyboardInterrupt:
            continue


def _main():
    stdin = sys.stdin
    sys.stdout = _Stream("stdout")
    sys.stderr = _Stream("stderr")
    _emit({"type": "ready", "pid": os.getpid()})
    while True:
        try:
            line = stdin.readline()
            if not line:
                break
            _handle(line)
        except KeyboardInterrupt:
            pass
        except Exception as exc:
            _emit({"type": "driver_error", "error": "%s: %s" % (type(exc).__name__, exc)})
        finally:
            _finish()


_main()
`

// driverRequest is one line written to the driver's stdin.
type driverRequest struct {
	ID   string `json:"id"`
	Code string `json:"code"`
}

// driverMessage is one line read from the driver's stdout.
type driverMessage struct {
	Type      string              `json:"type"`
	ID        string              `json:"id"`
	PID       int                 `json:"pid"`
	Code      string              `json:"code"`
	Name      string              `json:"name"`
	Text      string              `json:"text"`
	Data      protocol.MimeBundle `json:"data"`
	EName     string              `json:"ename"`
	EValue    string              `json:"evalue"`
	Traceback []string            `json:"traceback"`

	// callback
	Args   []any          `json:"args"`
	Kwargs map[string]any `json:"kwargs"`

	// log_exception
	Message        string                       `json:"message"`
	Exception      protocol.SerializedException `json:"exception"`
	OrigFuncName   *string                      `json:"orig_func_name"`
	OrigFuncArgs   *string                      `json:"orig_func_args"`
	OrigFuncKwargs *string                      `json:"orig_func_kwargs"`

	// matplotlib_fallback
	Reason   string         `json:"reason"`
	Metadata map[string]any `json:"metadata"`

	// driver_error
	Error string `json:"error"`
}

// Side-channel message types. They never become output events.
const (
	msgCallback           = "callback"
	msgLogException       = "log_exception"
	msgMatplotlibFallback = "matplotlib_fallback"
	msgDriverError        = "driver_error"
)

func (m driverMessage) callbackRecord() callbacks.Record {
	return callbacks.Record{Name: m.Name, Args: m.Args, Kwargs: m.Kwargs}
}

func (m driverMessage) logException() protocol.LogExceptionRequest {
	return protocol.LogExceptionRequest{
		Message:        m.Message,
		Exception:      m.Exception,
		OrigFuncName:   m.OrigFuncName,
		OrigFuncArgs:   m.OrigFuncArgs,
		OrigFuncKwargs: m.OrigFuncKwargs,
	}
}

func (m driverMessage) matplotlibFallback() protocol.LogMatplotlibFallbackRequest {
	return protocol.LogMatplotlibFallbackRequest{Reason: m.Reason, Metadata: m.Metadata}
}

func parseDriverLine(line []byte) (driverMessage, error) {
	var msg driverMessage
	if err := json.Unmarshal(line, &msg); err != nil {
		return msg, fmt.Errorf("decoding driver line: %w", err)
	}
	return msg, nil
}

// events maps a driver message to output events. A busy message opens the
// execution with a busy status and its input; done closes it with idle.
func (m driverMessage) events() ([]protocol.OutputEvent, error) {
	parent := protocol.ParentHeader{MsgID: m.ID, Version: protocol.ProtocolVersion}
	switch m.Type {
	case "ready":
		return nil, nil
	case "busy":
		return []protocol.OutputEvent{
			&protocol.StatusEvent{ParentHeader: parent, ExecutionState: protocol.StateBusy},
			&protocol.ExecuteInputEvent{ParentHeader: parent, Code: m.Code},
		}, nil
	case "stream":
		name := protocol.StreamName(m.Name)
		if name != protocol.Stdout && name != protocol.Stderr {
			return nil, fmt.Errorf("driver stream %q", m.Name)
		}
		return []protocol.OutputEvent{&protocol.StreamEvent{ParentHeader: parent, Name: name, Text: m.Text}}, nil
	case "result":
		return []protocol.OutputEvent{&protocol.ExecuteResultEvent{ParentHeader: parent, Data: m.Data}}, nil
	case "display":
		return []protocol.OutputEvent{&protocol.DisplayDataEvent{ParentHeader: parent, Data: m.Data}}, nil
	case "error":
		tb := m.Traceback
		if tb == nil {
			tb = []string{}
		}
		return []protocol.OutputEvent{&protocol.ErrorEvent{ParentHeader: parent, EName: m.EName, EValue: m.EValue, Traceback: tb}}, nil
	case "done":
		return []protocol.OutputEvent{&protocol.StatusEvent{ParentHeader: parent, ExecutionState: protocol.StateIdle}}, nil
	default:
		return nil, fmt.Errorf("unknown driver message type %q", m.Type)
	}
}
